package state

import (
	"os"

	"github.com/joho/godotenv"
	"github.com/juju/errors"
)

// Env is lookup of environment variables. Process environment wins over file values.
type Env struct {
	file   map[string]string
	lookup func(string) (string, bool)
}

// NewEnv reads optional dotenv files, missing files are skipped.
func NewEnv(files ...string) (Env, error) {
	e := Env{file: make(map[string]string), lookup: os.LookupEnv}
	for _, path := range files {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue
		}
		m, err := godotenv.Read(path)
		if err != nil {
			return e, errors.Annotatef(err, "env file=%s", path)
		}
		for k, v := range m {
			e.file[k] = v
		}
	}
	return e, nil
}

// MapEnv is Env without process environment, for tests.
func MapEnv(m map[string]string) Env {
	return Env{file: m, lookup: func(string) (string, bool) { return "", false }}
}

func (e Env) Lookup(key string) (string, bool) {
	if e.lookup != nil {
		if v, ok := e.lookup(key); ok {
			return v, true
		}
	}
	v, ok := e.file[key]
	return v, ok
}
