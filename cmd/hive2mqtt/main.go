package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"

	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
	"github.com/minerfleet/hive2mqtt/cmd/hive2mqtt/bridge"
	"github.com/minerfleet/hive2mqtt/cmd/hive2mqtt/probe"
	"github.com/minerfleet/hive2mqtt/cmd/hive2mqtt/subcmd"
	"github.com/minerfleet/hive2mqtt/internal/state"
	"github.com/minerfleet/hive2mqtt/log2"
	"gopkg.in/natefinch/lumberjack.v2"
)

var BuildVersion = "unknown" // set by ldflags -X

var modules = []subcmd.Mod{
	bridge.RunMod,
	bridge.OnceMod,
	probe.Mod,
	{Name: "config", Usage: "print effective config, secrets masked", Main: configMain},
	{Name: "version", Usage: "print version", Main: func(context.Context, *state.Config, *log2.Log) error {
		fmt.Println(BuildVersion)
		return nil
	}},
}

const defaultConfigPath = "hive2mqtt.hcl"

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", defaultConfigPath, "HCL config file, optional when default")
	flagEnv := cmdline.String("env", ".env", "dotenv file, optional")
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "usage: %s [flags] [command]\ncommands:\n", os.Args[0])
		for _, m := range modules {
			fmt.Fprintf(cmdline.Output(), "  %-8s %s\n", m.Name, m.Usage)
		}
		cmdline.PrintDefaults()
	}
	_ = cmdline.Parse(os.Args[1:])

	log := log2.NewStderr(log2.LInfo)
	if isatty.IsTerminal(os.Stderr.Fd()) {
		log.SetFlags(log2.LInteractiveFlags)
	} else {
		// systemd journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	}

	command := "run"
	if cmdline.NArg() > 0 {
		command = cmdline.Arg(0)
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Error(err)
		cmdline.Usage()
		os.Exit(1)
	}

	config, err := loadConfig(log, *flagConfig, *flagConfig == defaultConfigPath, *flagEnv)
	if err != nil {
		log.Errorf("config: %v", err)
		os.Exit(1)
	}
	if mod.Name != "config" && mod.Name != "version" {
		if err := config.Validate(); err != nil {
			log.Errorf("%v", err)
			os.Exit(1)
		}
	}
	log = setupLog(log, config)
	log.Debugf("hive2mqtt version=%s command=%s", BuildVersion, mod.Name)

	if err := mod.Main(context.Background(), config, log); err != nil {
		log.Errorf("%s: %s", mod.Name, errors.ErrorStack(err))
		os.Exit(1)
	}
}

func loadConfig(log *log2.Log, path string, optional bool, envPath string) (*state.Config, error) {
	config, err := state.ReadConfigFile(log, path, optional)
	if err != nil {
		return nil, err
	}
	env, err := state.NewEnv(envPath)
	if err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(env); err != nil {
		return nil, err
	}
	return config, nil
}

// setupLog applies configured level and optional rotating log file.
func setupLog(log *log2.Log, config *state.Config) *log2.Log {
	level := config.LogLevel()
	if config.Log.File == "" {
		log.SetLevel(level)
		return log
	}
	maxSize := config.Log.FileMaxSizeMB
	if maxSize <= 0 {
		maxSize = 10
	}
	rotator := &lumberjack.Logger{
		Filename:   config.Log.File,
		MaxSize:    maxSize,
		MaxBackups: config.Log.FileMaxBackups,
	}
	l := log2.NewWriter(io.MultiWriter(os.Stderr, rotator), level)
	l.SetFlags(log2.LInteractiveFlags)
	return l
}

func configMain(ctx context.Context, config *state.Config, log *log2.Log) error {
	return config.WriteMasked(os.Stdout)
}
