// Package state reads process configuration: HCL file with includes,
// then environment overrides (optionally from .env file).
package state

import (
	"fmt"
	"io"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/hcl"
	"github.com/juju/errors"
	"github.com/minerfleet/hive2mqtt/helpers"
	"github.com/minerfleet/hive2mqtt/internal/hive"
	"github.com/minerfleet/hive2mqtt/log2"
	"github.com/minerfleet/hive2mqtt/tele/mqtt"
)

type Config struct {
	// includeSeen contains normalized paths to prevent include loops
	includeSeen map[string]struct{}
	// only used for Unmarshal, do not access
	XXX_Include []ConfigSource `hcl:"include"`

	PollIntervalSec int `hcl:"poll_interval_sec"`
	RetryDelaySec   int `hcl:"retry_delay_sec"`

	Log struct {
		Level          string `hcl:"level"`
		File           string `hcl:"file"`
		FileMaxSizeMB  int    `hcl:"file_max_size_mb"`
		FileMaxBackups int    `hcl:"file_max_backups"`
	} `hcl:"log"`

	Mqtt struct {
		Broker            string `hcl:"broker"`
		Port              int    `hcl:"port"`
		Username          string `hcl:"username"`
		Password          string `hcl:"password"`
		ClientID          string `hcl:"client_id"`
		ConnectTimeoutSec int    `hcl:"connect_timeout_sec"`
		IOTimeoutSec      int    `hcl:"io_timeout_sec"`
		ReuseConnection   bool   `hcl:"reuse_connection"`
	} `hcl:"mqtt"`

	Hive struct {
		APIURL     string `hcl:"api_url"`
		Token      string `hcl:"token"`
		FarmID     string `hcl:"farm_id"`
		TimeoutSec int    `hcl:"timeout_sec"`
	} `hcl:"hive"`
}

type ConfigSource struct {
	Name     string `hcl:"name,key"`
	Optional bool   `hcl:"optional"`
}

func (c *Config) read(log *log2.Log, fs FullReader, source ConfigSource, errs *[]error) {
	norm := fs.Normalize(source.Name)
	if _, ok := c.includeSeen[norm]; ok {
		*errs = append(*errs, errors.Errorf("config duplicate source=%s", source.Name))
		return
	}
	log.Debugf("config reading source='%s' path=%s", source.Name, norm)
	c.includeSeen[norm] = struct{}{}

	bs, err := fs.ReadAll(norm)
	if bs == nil && err == nil {
		if !source.Optional {
			*errs = append(*errs, errors.NotFoundf("config required name=%s path=%s", source.Name, norm))
		}
		return
	}
	if err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config source=%s", source.Name))
		return
	}

	if err = hcl.Unmarshal(bs, c); err != nil {
		*errs = append(*errs, errors.Annotatef(err, "config unmarshal source=%s", source.Name))
		return
	}

	var includes []ConfigSource
	includes, c.XXX_Include = c.XXX_Include, nil
	for _, include := range includes {
		if _, ok := c.includeSeen[fs.Normalize(include.Name)]; ok {
			*errs = append(*errs, errors.Errorf("config include loop: from=%s include=%s", source.Name, include.Name))
			continue
		}
		c.read(log, fs, include, errs)
	}
}

// ReadConfig merges named sources in order, later values overwrite earlier.
// Sources are not validated, see Validate.
func ReadConfig(log *log2.Log, fs FullReader, names ...string) (*Config, error) {
	if len(names) == 0 {
		return nil, errors.NotValidf("ReadConfig() without names")
	}
	if osfs, ok := fs.(*OsFullReader); ok {
		names = append([]string(nil), names...)
		dir, name := filepath.Split(names[0])
		osfs.SetBase(dir)
		names[0] = name
	}
	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	for _, name := range names {
		c.read(log, fs, ConfigSource{Name: name}, &errs)
	}
	return c, helpers.FoldErrors(errs)
}

// ReadConfigFile reads OS file, relative includes resolve against its directory.
// Missing optional file yields zero Config.
func ReadConfigFile(log *log2.Log, path string, optional bool) (*Config, error) {
	fs, err := NewOsFullReader(".")
	if err != nil {
		return nil, err
	}
	dir, name := filepath.Split(path)
	fs.SetBase(dir)
	c := &Config{includeSeen: make(map[string]struct{})}
	errs := make([]error, 0, 8)
	c.read(log, fs, ConfigSource{Name: name, Optional: optional}, &errs)
	return c, helpers.FoldErrors(errs)
}

// ApplyEnv overrides config values from environment.
// Malformed numbers are errors, empty values are ignored.
func (c *Config) ApplyEnv(env Env) error {
	errs := make([]error, 0, 4)
	str := func(key string, dst *string) {
		if v, ok := env.Lookup(key); ok && v != "" {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		v, ok := env.Lookup(key)
		if !ok || v == "" {
			return
		}
		i, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, errors.NotValidf("env %s=%q", key, v))
			return
		}
		*dst = i
	}
	flag := func(key string, dst *bool) {
		v, ok := env.Lookup(key)
		if !ok || v == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			errs = append(errs, errors.NotValidf("env %s=%q", key, v))
			return
		}
		*dst = b
	}

	str("MQTT_BROKER", &c.Mqtt.Broker)
	num("MQTT_PORT", &c.Mqtt.Port)
	str("MQTT_USERNAME", &c.Mqtt.Username)
	str("MQTT_PASSWORD", &c.Mqtt.Password)
	str("MQTT_CLIENT_ID", &c.Mqtt.ClientID)
	flag("MQTT_REUSE_CONNECTION", &c.Mqtt.ReuseConnection)
	str("HIVE_API_URL", &c.Hive.APIURL)
	str("HIVE_TOKEN", &c.Hive.Token)
	str("FARM_ID", &c.Hive.FarmID)
	num("POLL_INTERVAL", &c.PollIntervalSec)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FILE", &c.Log.File)
	return helpers.FoldErrors(errs)
}

// Validate checks required values. Result satisfies errors.IsNotValid.
func (c *Config) Validate() error {
	errs := make([]error, 0, 4)
	if c.Mqtt.Broker == "" {
		errs = append(errs, errors.New("mqtt.broker (MQTT_BROKER) is required"))
	}
	if c.Mqtt.Port < 0 || c.Mqtt.Port > 65535 {
		errs = append(errs, errors.Errorf("mqtt.port=%d out of range", c.Mqtt.Port))
	}
	if c.Hive.Token == "" {
		errs = append(errs, errors.New("hive.token (HIVE_TOKEN) is required"))
	}
	if c.Hive.FarmID == "" {
		errs = append(errs, errors.New("hive.farm_id (FARM_ID) is required"))
	}
	if c.PollIntervalSec < 0 {
		errs = append(errs, errors.Errorf("poll_interval_sec=%d negative", c.PollIntervalSec))
	}
	if _, err := log2.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, err)
	}
	if err := helpers.FoldErrors(errs); err != nil {
		return errors.NewNotValid(err, "config")
	}
	return nil
}

func (c *Config) PollInterval() time.Duration { return helpers.IntSecondDefault(c.PollIntervalSec, 0) }
func (c *Config) RetryDelay() time.Duration   { return helpers.IntSecondDefault(c.RetryDelaySec, 0) }

// LogLevel assumes Validate passed.
func (c *Config) LogLevel() log2.Level {
	l, _ := log2.ParseLevel(c.Log.Level)
	return l
}

func (c *Config) ProducerOptions(log *log2.Log) mqtt.ProducerOptions {
	return mqtt.ProducerOptions{
		Broker:          c.Mqtt.Broker,
		Port:            c.Mqtt.Port,
		ClientID:        c.Mqtt.ClientID,
		Username:        c.Mqtt.Username,
		Password:        c.Mqtt.Password,
		ConnectTimeout:  helpers.IntSecondDefault(c.Mqtt.ConnectTimeoutSec, mqtt.DefaultConnectTimeout),
		IOTimeout:       helpers.IntSecondDefault(c.Mqtt.IOTimeoutSec, mqtt.DefaultIOTimeout),
		ReuseConnection: c.Mqtt.ReuseConnection,
		Log:             log,
	}
}

func (c *Config) ClientOptions(log *log2.Log) hive.ClientOptions {
	return hive.ClientOptions{
		APIURL:  c.Hive.APIURL,
		Token:   c.Hive.Token,
		Timeout: helpers.IntSecondDefault(c.Hive.TimeoutSec, hive.DefaultTimeout),
		Log:     log,
	}
}

// WriteMasked prints effective config with secrets hidden.
func (c *Config) WriteMasked(w io.Writer) error {
	lines := []struct {
		key   string
		value interface{}
	}{
		{"poll_interval_sec", c.PollIntervalSec},
		{"retry_delay_sec", c.RetryDelaySec},
		{"log.level", c.Log.Level},
		{"log.file", c.Log.File},
		{"log.file_max_size_mb", c.Log.FileMaxSizeMB},
		{"log.file_max_backups", c.Log.FileMaxBackups},
		{"mqtt.broker", c.Mqtt.Broker},
		{"mqtt.port", c.Mqtt.Port},
		{"mqtt.username", c.Mqtt.Username},
		{"mqtt.password", mask(c.Mqtt.Password)},
		{"mqtt.client_id", c.Mqtt.ClientID},
		{"mqtt.connect_timeout_sec", c.Mqtt.ConnectTimeoutSec},
		{"mqtt.io_timeout_sec", c.Mqtt.IOTimeoutSec},
		{"mqtt.reuse_connection", c.Mqtt.ReuseConnection},
		{"hive.api_url", c.Hive.APIURL},
		{"hive.token", mask(c.Hive.Token)},
		{"hive.farm_id", c.Hive.FarmID},
		{"hive.timeout_sec", c.Hive.TimeoutSec},
	}
	for _, l := range lines {
		var err error
		if s, ok := l.value.(string); ok {
			_, err = fmt.Fprintf(w, "%s = %q\n", l.key, s)
		} else {
			_, err = fmt.Fprintf(w, "%s = %v\n", l.key, l.value)
		}
		if err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "***"
}
