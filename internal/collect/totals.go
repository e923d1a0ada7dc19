package collect

import (
	"strconv"
)

// cycleTotals accumulates farm-wide sums within one cycle.
type cycleTotals struct {
	hashrate    float64
	uptimeSum   int64
	uptimeCount int
	cpuTempSum  float64
	cpuTempN    int
}

func (t *cycleTotals) addUptime(sec int64) {
	t.uptimeSum += sec
	t.uptimeCount++
}

func (t *cycleTotals) addCPUTemp(c float64) {
	t.cpuTempSum += c
	t.cpuTempN++
}

// averageUptime is integer seconds, ok=false without samples.
func (t *cycleTotals) averageUptime() (int64, bool) {
	if t.uptimeCount == 0 {
		return 0, false
	}
	return t.uptimeSum / int64(t.uptimeCount), true
}

func (t *cycleTotals) averageCPUTemp() (float64, bool) {
	if t.cpuTempN == 0 {
		return 0, false
	}
	return t.cpuTempSum / float64(t.cpuTempN), true
}

// Efficiency is percent of online workers with one decimal, "0" for empty farm.
func Efficiency(online, total int) string {
	if total <= 0 {
		return "0"
	}
	return formatFloat(float64(online)*100/float64(total), 1)
}

func formatFloat(f float64, prec int) string { return strconv.FormatFloat(f, 'f', prec, 64) }
