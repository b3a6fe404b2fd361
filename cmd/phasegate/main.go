// Command phasegate validates workflow policies, applies phase outcomes and
// runs the transition server.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/msageha/phasegate/internal/config"
	"github.com/msageha/phasegate/internal/logging"
	"github.com/msageha/phasegate/internal/policy"
)

var (
	// Version is overridden by ldflags at build time.
	Version = "0.3.0"
	Commit  = ""
)

// Output formats.
const (
	outputText = "text"
	outputJSON = "json"
	outputYAML = "yaml"
)

// app carries the settings shared by every subcommand.
type app struct {
	v      *viper.Viper
	stdout io.Writer
	stderr io.Writer
}

func main() {
	// A missing .env is fine; keys may come from the environment.
	_ = godotenv.Load()

	if err := newRootCmd(os.Stdout, os.Stderr).Execute(); err != nil {
		printError(os.Stderr, err)
		os.Exit(1)
	}
}

func printError(w io.Writer, err error) {
	var ve *policy.ValidationErrors
	if errors.As(err, &ve) {
		fmt.Fprint(w, ve.FormatStderr())
		return
	}
	fmt.Fprintf(w, "error: %v\n", err)
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: viper.New(), stdout: stdout, stderr: stderr}

	root := &cobra.Command{
		Use:           "phasegate",
		Short:         "Policy-driven phase transitions for agent workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       Version,
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringP("config", "c", config.FileName, "path to phasegate.yaml (env PHASEGATE_CONFIG)")
	pf.String("log-level", "", "override logging.level (env PHASEGATE_LOG_LEVEL)")
	pf.StringP("output", "o", outputText, "output format: text, json or yaml")

	a.v.SetEnvPrefix("PHASEGATE")
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()
	_ = a.v.BindPFlags(pf)

	root.AddCommand(
		a.initCmd(),
		a.validateCmd(),
		a.matchCmd(),
		a.transitionCmd(),
		a.parseDecisionCmd(),
		a.analyticsCmd(),
		a.serveCmd(),
		a.statusCmd(),
		a.reloadCmd(),
		a.versionCmd(),
	)
	return root
}

func (a *app) configPath() string {
	return a.v.GetString("config")
}

func (a *app) loadConfig() (*config.Config, error) {
	return config.Load(a.configPath())
}

func (a *app) logger(cfg *config.Config) *logging.Logger {
	level := a.v.GetString("log-level")
	if level == "" && cfg != nil {
		level = cfg.Logging.Level
	}
	return logging.New(a.stderr, level)
}

// print writes v in the selected format; text falls back to the given
// renderer.
func (a *app) print(v any, text func(w io.Writer)) error {
	switch format := a.v.GetString("output"); format {
	case outputJSON:
		enc := json.NewEncoder(a.stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	case outputYAML:
		enc := yaml.NewEncoder(a.stdout)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	case outputText, "":
		text(a.stdout)
		return nil
	default:
		return fmt.Errorf("unknown output format %q", format)
	}
}
