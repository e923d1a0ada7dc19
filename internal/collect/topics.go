package collect

const (
	TopicHeartbeat = "mining/heartbeat"
	TopicStatus    = "mining/status"

	HeartbeatMessage  = "alive"
	FlightSheetAbsent = "Not Assigned"
)

func farmPrefix(farm string) string { return "mining/farm/" + farm }

func TopicFarm(farm, leaf string) string { return farmPrefix(farm) + "/" + leaf }

// TopicWorkers is farm-level worker count topic: count, online, offline.
func TopicWorkers(farm, leaf string) string { return farmPrefix(farm) + "/workers/" + leaf }

func TopicWorker(farm, worker, leaf string) string {
	return farmPrefix(farm) + "/workers/" + worker + "/" + leaf
}

func TopicSummary(farm, leaf string) string { return farmPrefix(farm) + "/summary/" + leaf }

func TopicError(farm string) string { return farmPrefix(farm) + "/error" }
