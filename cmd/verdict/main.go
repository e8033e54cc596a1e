// Copyright (C) 2025 Verdict Authors
//
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at <https://mozilla.org/MPL/2.0/>.

// Package main provides the command-line interface and the main entry point for Verdict.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/verdictlabs/verdict/config"
	"github.com/verdictlabs/verdict/formatters"
	"github.com/verdictlabs/verdict/mcptools"
	"github.com/verdictlabs/verdict/pkg/logging"
	"github.com/verdictlabs/verdict/pkg/utils"
	"github.com/verdictlabs/verdict/providers"
	"github.com/verdictlabs/verdict/runners"
	"github.com/verdictlabs/verdict/version"
)

const (
	runCommandName     = "run"
	helpCommandName    = "help"
	versionCommandName = "version"
	unsetFlagValue     = "\x00"
	exitCodeBadCommand = 2
)

var commandDoc = map[string]string{
	runCommandName:     "evaluate the cases",
	helpCommandName:    "show help",
	versionCommandName: "show version",
}

var (
	casesFilePath  = flag.String("cases-file", "", "test case definitions file path (required)")
	providerName   = flag.String("provider", "", "model provider: anthropic, openai, google or deepseek (required)")
	modelName      = flag.String("model", "", "model identifier (required)")
	maxTokens      = flag.Int64("max-tokens", config.DefaultMaxTokens, "generation token cap")
	temperature    = flag.String("temperature", unsetFlagValue, "sampling temperature")
	topP           = flag.String("top-p", unsetFlagValue, "nucleus sampling probability")
	topK           = flag.String("top-k", unsetFlagValue, "sampling cutoff; ignored by backends without support")
	systemPrompt   = flag.String("system", "", "system prompt text, or @path to load it from a file")
	threshold      = flag.Float64("threshold", config.DefaultThreshold, "minimum passing judge score")
	judgeProvider  = flag.String("judge-provider", config.DefaultJudgeProvider, "judge model provider")
	judgeModel     = flag.String("judge-model", config.DefaultJudgeModel, "judge model identifier")
	outputFilePath = flag.String("output", "", "report output file path; blank = stdout")
	mcpServersPath = flag.String("mcp-servers", "", "tool server configuration file path")
	iterations     = flag.Int("iterations", config.DefaultIterations, "independent evaluations per case")
	concurrency    = flag.Int("concurrency", config.DefaultConcurrency, "cases evaluated in parallel")
	maxTurns       = flag.Int("max-turns", config.DefaultMaxTurns, "assistant-response steps allowed per case")
	runTimeout     = flag.Duration("timeout", 0, "overall run deadline; 0 = none")
	toolTimeout    = flag.Duration("tool-timeout", 30*time.Second, "single tool invocation deadline")
	logFilePath    = flag.String("log", "", "log file path; append if exists; blank = stderr only")
	verbose        = flag.Bool("verbose", false, "enable detailed logging")
	debug          = flag.Bool("debug", false, "enable low-level debug logging")
)

var stderr = zerolog.New(zerolog.NewConsoleWriter(
	func(w *zerolog.ConsoleWriter) {
		w.Out = os.Stderr
		w.TimeFormat = time.DateTime
		w.NoColor = true
	},
)).Level(zerolog.TraceLevel).With().Timestamp().Logger()

func init() {
	flag.Usage = func() {
		w := flag.CommandLine.Output()
		fmt.Fprintf(w, "Usage: %s [options] [command]\n", os.Args[0])
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Commands:")
		printCommandHelp(w, runCommandName, helpCommandName, versionCommandName)
		fmt.Fprintln(w)
		fmt.Fprintln(w, "Options:")
		flag.PrintDefaults()
	}
}

func printCommandHelp(out io.Writer, commands ...string) {
	for _, cmdName := range commands {
		fmt.Fprintf(out, "  %s\n", cmdName)
		fmt.Fprintf(out, "        %s\n", commandDoc[cmdName])
	}
}

func main() {
	flag.Parse()
	for _, arg := range flag.Args() {
		switch arg {
		case helpCommandName:
			printHelp(os.Stdout)
			return
		case versionCommandName:
			printVersion(os.Stdout)
			return
		case runCommandName:
			if err := run(context.Background()); err != nil {
				stderr.Fatal().Err(err).Send()
			}
			return
		}
	}
	printHelp(nil) // os.Stderr
	os.Exit(exitCodeBadCommand)
}

func run(ctx context.Context) error {
	runCfg, judgeCfg, err := buildRunConfigs()
	if err != nil {
		return err
	}

	cases, err := config.LoadCasesFromFile(filepath.Clean(*casesFilePath))
	if err != nil {
		return err
	}

	logger, closeLog, err := buildLogger()
	if err != nil {
		return err
	}
	defer closeLog()

	// Resolve credentials before any case runs.
	providerCfg, err := config.NewProviderConfigFromEnv(runCfg.Provider)
	if err != nil {
		return err
	}
	judgeProviderCfg, err := config.NewProviderConfigFromEnv(judgeCfg.Provider)
	if err != nil {
		return err
	}

	client, err := providers.NewClient(ctx, providerCfg)
	if err != nil {
		return err
	}
	defer client.Close(ctx)

	judgeClient, err := providers.NewClient(ctx, judgeProviderCfg)
	if err != nil {
		return err
	}
	defer judgeClient.Close(ctx)

	var tools runners.ToolInvoker
	if config.IsNotBlank(*mcpServersPath) {
		serversCfg, err := config.LoadMCPServersFromFile(filepath.Clean(*mcpServersPath))
		if err != nil {
			return err
		}
		bridge, err := mcptools.Start(ctx, logger, serversCfg)
		if err != nil {
			return err
		}
		defer bridge.Close(ctx)
		tools = bridge
	}

	orchestrator := runners.NewOrchestrator(client, runners.NewJudge(judgeClient, judgeCfg, *threshold, logger), tools, runCfg, runners.Options{
		Concurrency: *concurrency,
		Iterations:  *iterations,
		MaxTurns:    *maxTurns,
		ToolTimeout: *toolTimeout,
		Timeout:     *runTimeout,
	}, logger)

	report := orchestrator.Run(ctx, cases, runners.RunInfo{
		Provider:      runCfg.Provider,
		Model:         runCfg.Model,
		JudgeProvider: judgeCfg.Provider,
		JudgeModel:    judgeCfg.Model,
	})

	return saveReport(report)
}

func buildRunConfigs() (runCfg config.RunConfig, judgeCfg config.RunConfig, err error) {
	if !config.IsNotBlank(*casesFilePath) {
		return runCfg, judgeCfg, fmt.Errorf("%w: --cases-file is required", config.ErrInvalidConfigProperty)
	}
	if !config.IsNotBlank(*providerName) {
		return runCfg, judgeCfg, fmt.Errorf("%w: --provider is required", config.ErrInvalidConfigProperty)
	}
	if !config.IsNotBlank(*modelName) {
		return runCfg, judgeCfg, fmt.Errorf("%w: --model is required", config.ErrInvalidConfigProperty)
	}
	if *threshold < 0 || *threshold > 1 {
		return runCfg, judgeCfg, fmt.Errorf("%w: --threshold must be in [0, 1]", config.ErrInvalidConfigProperty)
	}

	resolvedPrompt, err := config.ResolveSystemPrompt(*systemPrompt)
	if err != nil {
		return runCfg, judgeCfg, err
	}

	runCfg = config.RunConfig{
		Provider:     *providerName,
		Model:        *modelName,
		MaxTokens:    *maxTokens,
		SystemPrompt: resolvedPrompt,
	}
	if runCfg.Temperature, err = parseOptionalFloat(temperature, "--temperature"); err != nil {
		return runCfg, judgeCfg, err
	}
	if runCfg.TopP, err = parseOptionalFloat(topP, "--top-p"); err != nil {
		return runCfg, judgeCfg, err
	}
	if runCfg.TopK, err = parseOptionalInt(topK, "--top-k"); err != nil {
		return runCfg, judgeCfg, err
	}

	judgeCfg = config.RunConfig{
		Provider:    *judgeProvider,
		Model:       *judgeModel,
		MaxTokens:   config.DefaultMaxTokens,
		Temperature: utils.Ptr(config.DefaultJudgeTemperature),
	}

	if err = runCfg.Validate(); err != nil {
		return runCfg, judgeCfg, err
	}
	if err = judgeCfg.Validate(); err != nil {
		return runCfg, judgeCfg, err
	}
	return runCfg, judgeCfg, nil
}

func parseOptionalFloat(value *string, name string) (*float64, error) {
	if value == nil || *value == unsetFlagValue {
		return nil, nil
	}
	var parsed float64
	if _, err := fmt.Sscanf(*value, "%g", &parsed); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", config.ErrInvalidConfigProperty, name, err)
	}
	return &parsed, nil
}

func parseOptionalInt(value *string, name string) (*int64, error) {
	if value == nil || *value == unsetFlagValue {
		return nil, nil
	}
	var parsed int64
	if _, err := fmt.Sscanf(*value, "%d", &parsed); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", config.ErrInvalidConfigProperty, name, err)
	}
	return &parsed, nil
}

func buildLogger() (logger logging.Logger, closeLog func(), err error) {
	closeLog = func() {}
	logWriters := []io.Writer{zerolog.NewConsoleWriter(
		func(w *zerolog.ConsoleWriter) {
			w.Out = os.Stderr
			w.TimeFormat = time.DateTime
		},
	)}
	if config.IsNotBlank(*logFilePath) {
		fp, err := os.OpenFile(filepath.Clean(*logFilePath), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, closeLog, err
		}
		closeLog = func() { fp.Close() }
		logWriters = append(logWriters, zerolog.NewConsoleWriter(
			func(w *zerolog.ConsoleWriter) {
				w.Out = fp
				w.TimeFormat = time.DateTime
				w.NoColor = true
			},
		)) // format the file output as plain-text without color codes
	}
	base := zerolog.New(zerolog.MultiLevelWriter(logWriters...)).Level(getEnabledLogLevel()).With().Timestamp().Logger()
	return logging.NewZerologLogger(base), closeLog, nil
}

func getEnabledLogLevel() zerolog.Level {
	if isEnabled(debug) {
		return zerolog.TraceLevel
	} else if isEnabled(verbose) {
		return zerolog.DebugLevel
	}
	return zerolog.InfoLevel
}

func isEnabled(value *bool) bool {
	return value != nil && *value
}

func saveReport(report runners.Report) error {
	out := io.Writer(os.Stdout)
	if config.IsNotBlank(*outputFilePath) {
		path := filepath.Clean(*outputFilePath)
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			return err
		}
		fp, err := os.Create(path)
		if err != nil {
			return err
		}
		defer fp.Close()
		fmt.Printf("Report will be saved to: %s\n", path)
		out = fp
	}
	return formatters.NewJSONFormatter().Write(report, out)
}

func printHelp(out io.Writer) {
	flag.CommandLine.SetOutput(out)
	flag.Usage()
}

func printVersion(out io.Writer) {
	fmt.Fprintf(out, "%s %s\n", version.Name, version.GetVersion())
}
