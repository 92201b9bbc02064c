// Copyright 2026 The queuesync Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/apex/log"
	apexJSON "github.com/apex/log/handlers/json"
	"github.com/clinicflow/queuesync/cmd"
	"github.com/clinicflow/queuesync/common"
	"github.com/clinicflow/queuesync/queue"
	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"github.com/urfave/cli/v2"
)

type cliArgs struct {
	JSONLog    bool
	LogLevel   string `validate:"required,oneof=debug info warn error"`
	ConfigFile string `validate:"omitempty,file"`
	Token      string `json:"-"`
	Hostname   string
}

var cmdArgs cliArgs

var scopeArgs cmd.ScopeArgs

var logTags log.Fields

// @title queuesync
// @version v0.1.0
// @description Real-time clinic queue synchronization client and monitor server

// @host localhost:3000
// @BasePath /
// @query.collection.format multi
func main() {
	hostname, err := os.Hostname()
	if err != nil {
		log.WithError(err).Fatal("Unable to read hostname")
	}
	cmdArgs.Hostname = hostname
	logTags = log.Fields{
		"module":    "main",
		"component": "main",
		"instance":  hostname,
	}

	common.InstallDefaultConfigValues()

	scopeFlags := []cli.Flag{
		&cli.StringFlag{
			Name:        "resource",
			Usage:       "Resource (doctor) ID of the queue",
			Aliases:     []string{"r"},
			EnvVars:     []string{"QUEUESYNC_RESOURCE"},
			Destination: &scopeArgs.ResourceID,
			Required:    true,
		},
		&cli.StringFlag{
			Name:        "date",
			Usage:       "Day of the queue, YYYY-MM-DD",
			Aliases:     []string{"d"},
			EnvVars:     []string{"QUEUESYNC_DATE"},
			Value:       time.Now().Format(queue.ScopeDateFormat),
			DefaultText: "today",
			Destination: &scopeArgs.Date,
			Required:    false,
		},
	}

	app := &cli.App{
		Version:     "v0.1.0",
		Usage:       "application entrypoint",
		Description: "Real-time clinic queue synchronization client and monitor server",
		Flags: []cli.Flag{
			// LOGGING
			&cli.BoolFlag{
				Name:        "json-log",
				Usage:       "Whether to log in JSON format",
				Aliases:     []string{"j"},
				EnvVars:     []string{"LOG_AS_JSON"},
				Value:       false,
				DefaultText: "false",
				Destination: &cmdArgs.JSONLog,
				Required:    false,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Usage:       "Logging level: [debug info warn error]",
				Aliases:     []string{"l"},
				EnvVars:     []string{"LOG_LEVEL"},
				Value:       "warn",
				DefaultText: "warn",
				Destination: &cmdArgs.LogLevel,
				Required:    false,
			},
			// Config file
			&cli.StringFlag{
				Name:        "config-file",
				Usage:       "Application config file. Use DEFAULT if not specified.",
				Aliases:     []string{"c"},
				EnvVars:     []string{"CONFIG_FILE"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.ConfigFile,
				Required:    false,
			},
			// Credentials
			&cli.StringFlag{
				Name:        "token",
				Usage:       "Bearer token for the clinic backend and event channel",
				Aliases:     []string{"t"},
				EnvVars:     []string{"QUEUESYNC_TOKEN"},
				Value:       "",
				DefaultText: "",
				Destination: &cmdArgs.Token,
				Required:    false,
			},
		},
		// Components
		Commands: []*cli.Command{
			{
				Name:        "serve",
				Usage:       "Run the queuesync monitor server",
				Description: "Serves the REST API for queue monitors, token widgets and doctor panels",
				Action:      startMonitorServer,
			},
			{
				Name:        "watch",
				Usage:       "Watch one queue",
				Description: "Print the queue projection as one JSON line each time it changes",
				Flags:       scopeFlags,
				Action:      startWatch,
			},
			{
				Name:        "advance",
				Usage:       "Call the next patient",
				Description: "Advance the queue through the backend, falling back on the event channel",
				Flags:       scopeFlags,
				Action:      runCommand(queue.CommandAdvance),
			},
			{
				Name:        "skip",
				Usage:       "Skip the current patient",
				Description: "Skip the current patient through the backend, falling back on the event channel",
				Flags:       scopeFlags,
				Action:      runCommand(queue.CommandSkip),
			},
		},
	}

	err = app.Run(os.Args)
	if err != nil {
		log.WithError(err).WithFields(logTags).Fatal("Program shutdown")
	}
}

// setupLogging helper function to prepare the app logging
func setupLogging() {
	if cmdArgs.JSONLog {
		log.SetHandler(apexJSON.New(os.Stderr))
	}
	switch cmdArgs.LogLevel {
	case "debug":
		log.SetLevel(log.DebugLevel)
	case "info":
		log.SetLevel(log.InfoLevel)
	case "warn":
		log.SetLevel(log.WarnLevel)
	case "error":
		log.SetLevel(log.ErrorLevel)
	default:
		log.SetLevel(log.ErrorLevel)
	}
}

// initialCmdArgsProcessing perform initial CMD arg processing
func initialCmdArgsProcessing() (*common.SystemConfig, error) {
	validate := validator.New()
	// Validate command line argument
	if err := validate.Struct(&cmdArgs); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid CMD args")
		return nil, err
	}
	setupLogging()
	tmp, err := json.MarshalIndent(&cmdArgs, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal args")
		return nil, err
	}
	log.Debugf("Starting params\n%s", tmp)
	// Parse the config file
	if len(cmdArgs.ConfigFile) > 0 {
		viper.SetConfigFile(cmdArgs.ConfigFile)
		if err := viper.ReadInConfig(); err != nil {
			log.WithError(err).WithFields(logTags).Errorf(
				"Failed to read config file %s", cmdArgs.ConfigFile,
			)
			return nil, err
		}
	}
	var config common.SystemConfig
	if err := viper.Unmarshal(&config); err != nil {
		log.WithError(err).WithFields(logTags).Errorf(
			"Failed to parse config file %s", cmdArgs.ConfigFile,
		)
		return nil, err
	}
	tmp, err = json.MarshalIndent(&config, "", "  ")
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to marshal config files")
		return nil, err
	}
	log.Debugf("Config file\n%s", tmp)
	if err := validate.Struct(&config); err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid config file content")
		return nil, err
	}
	return &config, nil
}

func defineControlVars() (*sync.WaitGroup, context.Context, context.CancelFunc) {
	runTimeContext, rtCancel := context.WithCancel(context.Background())
	return &sync.WaitGroup{}, runTimeContext, rtCancel
}

// signalRecvSetup helper function for setting up the SIG receive handler
func signalRecvSetup(wg *sync.WaitGroup, runTimeContext context.Context, ctxtCancel context.CancelFunc) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		cc := make(chan os.Signal, 1)
		// We'll accept graceful shutdowns when quit via SIGINT (Ctrl+C)
		// SIGKILL, SIGQUIT or SIGTERM (Ctrl+/) will not be caught.
		signal.Notify(cc, os.Interrupt)
		defer signal.Stop(cc)
		select {
		case <-cc:
			ctxtCancel()
		case <-runTimeContext.Done():
		}
	}()
}

// startSyncSystem define and connect the queue synchronization subsystem
func startSyncSystem(
	config *common.SystemConfig, runTimeContext context.Context, wg *sync.WaitGroup,
) (*cmd.SyncSystem, error) {
	system, err := cmd.DefineSyncSystem(*config, cmdArgs.Token, runTimeContext, wg)
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to define queue sync subsystem")
		return nil, err
	}
	if err := system.Start(runTimeContext); err != nil {
		log.WithError(err).WithFields(logTags).Error("Failed to start queue sync subsystem")
		system.Stop()
		return nil, err
	}
	return system, nil
}

// ============================================================================
// Monitor server subcommand

// startMonitorServer run the monitor server
func startMonitorServer(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	if config.Monitor == nil {
		return fmt.Errorf("monitor server can't start without its configurations")
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	system, err := startSyncSystem(config, runTimeContext, wg)
	if err != nil {
		return err
	}
	defer system.Stop()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunMonitorServer(runTimeContext, config.Monitor, cmdArgs.Hostname, system)
}

// ============================================================================
// Watch subcommand

// startWatch print the projections of one scope until interrupted
func startWatch(c *cli.Context) error {
	config, err := initialCmdArgsProcessing()
	if err != nil {
		return err
	}
	scope, err := scopeArgs.Scope()
	if err != nil {
		log.WithError(err).WithFields(logTags).Error("Invalid queue scope")
		return err
	}

	wg, runTimeContext, rtCancel := defineControlVars()
	defer wg.Wait()
	defer rtCancel()

	system, err := startSyncSystem(config, runTimeContext, wg)
	if err != nil {
		return err
	}
	defer system.Stop()

	signalRecvSetup(wg, runTimeContext, rtCancel)

	return cmd.RunWatch(runTimeContext, system, scope, os.Stdout)
}

// ============================================================================
// Action subcommands

// runCommand define the action of one doctor command subcommand
func runCommand(command queue.Command) cli.ActionFunc {
	return func(c *cli.Context) error {
		config, err := initialCmdArgsProcessing()
		if err != nil {
			return err
		}
		scope, err := scopeArgs.Scope()
		if err != nil {
			log.WithError(err).WithFields(logTags).Error("Invalid queue scope")
			return err
		}

		wg, runTimeContext, rtCancel := defineControlVars()
		defer wg.Wait()
		defer rtCancel()

		system, err := startSyncSystem(config, runTimeContext, wg)
		if err != nil {
			return err
		}
		defer system.Stop()

		signalRecvSetup(wg, runTimeContext, rtCancel)

		_, err = cmd.RunAction(runTimeContext, system, scope, command, os.Stdout)
		return err
	}
}
