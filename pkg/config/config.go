// SPDX-License-Identifier: Apache-2.0

// Package config defines the run configuration knobs of §6 of the
// specification and loads them from flags, environment variables, and an
// optional YAML or TOML config file, following the teacher's
// flags-then-viper-then-env layering (cmd/flags/flags.go,
// cmd/root.go's viper.SetEnvPrefix/AutomaticEnv).
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	yamlconv "sigs.k8s.io/yaml"
)

// RestoreOptions groups the post-data restore knobs of §6.
type RestoreOptions struct {
	DropIfExists bool `json:"dropIfExists" yaml:"dropIfExists"`
	Jobs         int  `json:"jobs" yaml:"jobs"`
}

// Config is the full set of run configuration knobs recognized by §6.
type Config struct {
	SourceURL string `json:"sourceUrl" yaml:"sourceUrl"`
	TargetURL string `json:"targetUrl" yaml:"targetUrl"`
	RunDir    string `json:"runDir" yaml:"runDir"`

	TableJobs   int `json:"tableJobs" yaml:"tableJobs"`
	IndexJobs   int `json:"indexJobs" yaml:"indexJobs"`
	VacuumJobs  int `json:"vacuumJobs" yaml:"vacuumJobs"`
	LObjectJobs int `json:"lObjectJobs" yaml:"lObjectJobs"`
	RestoreJobs int `json:"restoreJobs" yaml:"restoreJobs"`

	SplitTablesLargerThan       int64  `json:"splitTablesLargerThan" yaml:"splitTablesLargerThan"`
	SplitTablesLargerThanPretty string `json:"splitTablesLargerThanPretty" yaml:"splitTablesLargerThanPretty"`

	Consistent    bool `json:"consistent" yaml:"consistent"`
	NotConsistent bool `json:"notConsistent" yaml:"notConsistent"`

	Resume    bool `json:"resume" yaml:"resume"`
	Restart   bool `json:"restart" yaml:"restart"`
	FailFast  bool `json:"failFast" yaml:"failFast"`

	SkipLargeObjects bool `json:"skipLargeObjects" yaml:"skipLargeObjects"`

	RestoreOptions RestoreOptions `json:"restoreOptions" yaml:"restoreOptions"`
}

// Defaults returns the configuration the teacher's flag defaults would
// produce absent any file, env var, or CLI override.
func Defaults() Config {
	return Config{
		RunDir:      "./pgcopydb-go",
		TableJobs:   4,
		IndexJobs:   4,
		VacuumJobs:  4,
		LObjectJobs: 2,
		RestoreJobs: 4,

		SplitTablesLargerThan: 10 * 1024 * 1024 * 1024, // 10 GiB

		RestoreOptions: RestoreOptions{Jobs: 4},
	}
}

// BindFlags registers the persistent CLI flags for every knob above and
// binds each one to viper, exactly as flags.PgConnectionFlags does for the
// teacher's schema-migration flags.
func BindFlags(cmd *cobra.Command) {
	d := Defaults()

	cmd.PersistentFlags().String("source", "", "Source Postgres connection URL")
	cmd.PersistentFlags().String("target", "", "Target Postgres connection URL")
	cmd.PersistentFlags().String("dir", d.RunDir, "Run directory holding catalog files, WAL segments, and the summary")

	cmd.PersistentFlags().Int("table-jobs", d.TableJobs, "Number of concurrent COPY workers")
	cmd.PersistentFlags().Int("index-jobs", d.IndexJobs, "Number of concurrent CREATE INDEX workers")
	cmd.PersistentFlags().Int("vacuum-jobs", d.VacuumJobs, "Number of concurrent VACUUM workers")
	cmd.PersistentFlags().Int("lobject-jobs", d.LObjectJobs, "Number of concurrent large-object copy workers")
	cmd.PersistentFlags().Int("restore-jobs", d.RestoreJobs, "Parallelism used for post-data restore")

	cmd.PersistentFlags().Int64("split-tables-larger-than", d.SplitTablesLargerThan, "Byte threshold above which a table is partitioned for COPY")

	cmd.PersistentFlags().Bool("consistent", false, "Reuse one exported snapshot across all workers")
	cmd.PersistentFlags().Bool("not-consistent", false, "Let each worker open its own short-lived transaction")

	cmd.PersistentFlags().Bool("resume", false, "Treat existing done-files and summary rows as authoritative")
	cmd.PersistentFlags().Bool("restart", false, "Wipe the run directory before starting")
	cmd.PersistentFlags().Bool("fail-fast", false, "Abort the whole run on the first worker failure")

	cmd.PersistentFlags().Bool("skip-large-objects", false, "Skip the large-objects copy stage")

	cmd.PersistentFlags().Bool("restore-drop-if-exists", false, "Emit DROP before CREATE when restoring post-data objects")
	cmd.PersistentFlags().Int("restore-jobs-count", d.RestoreOptions.Jobs, "Parallelism passed to pg_restore --section=post-data")

	for flagName, viperKey := range map[string]string{
		"source":                    "SOURCE_URL",
		"target":                    "TARGET_URL",
		"dir":                       "RUN_DIR",
		"table-jobs":                "TABLE_JOBS",
		"index-jobs":                "INDEX_JOBS",
		"vacuum-jobs":               "VACUUM_JOBS",
		"lobject-jobs":              "LOBJECT_JOBS",
		"restore-jobs":              "RESTORE_JOBS",
		"split-tables-larger-than":  "SPLIT_TABLES_LARGER_THAN",
		"consistent":                "CONSISTENT",
		"not-consistent":            "NOT_CONSISTENT",
		"resume":                    "RESUME",
		"restart":                   "RESTART",
		"fail-fast":                 "FAIL_FAST",
		"skip-large-objects":        "SKIP_LARGE_OBJECTS",
		"restore-drop-if-exists":    "RESTORE_DROP_IF_EXISTS",
		"restore-jobs-count":        "RESTORE_OPTIONS_JOBS",
	} {
		_ = viper.BindPFlag(viperKey, cmd.PersistentFlags().Lookup(flagName))
	}
}

// FromViper assembles a Config from whatever viper has accumulated from
// flags, environment variables (prefixed PGCOPYDB_, see cmd/root.go), and a
// loaded config file.
func FromViper() Config {
	return Config{
		SourceURL: viper.GetString("SOURCE_URL"),
		TargetURL: viper.GetString("TARGET_URL"),
		RunDir:    viper.GetString("RUN_DIR"),

		TableJobs:   viper.GetInt("TABLE_JOBS"),
		IndexJobs:   viper.GetInt("INDEX_JOBS"),
		VacuumJobs:  viper.GetInt("VACUUM_JOBS"),
		LObjectJobs: viper.GetInt("LOBJECT_JOBS"),
		RestoreJobs: viper.GetInt("RESTORE_JOBS"),

		SplitTablesLargerThan: viper.GetInt64("SPLIT_TABLES_LARGER_THAN"),

		Consistent:    viper.GetBool("CONSISTENT"),
		NotConsistent: viper.GetBool("NOT_CONSISTENT"),

		Resume:   viper.GetBool("RESUME"),
		Restart:  viper.GetBool("RESTART"),
		FailFast: viper.GetBool("FAIL_FAST"),

		SkipLargeObjects: viper.GetBool("SKIP_LARGE_OBJECTS"),

		RestoreOptions: RestoreOptions{
			DropIfExists: viper.GetBool("RESTORE_DROP_IF_EXISTS"),
			Jobs:         viper.GetInt("RESTORE_OPTIONS_JOBS"),
		},
	}
}

// Load reads a config file (YAML or TOML, chosen by extension) from path,
// merges it over Defaults(), and validates the result against the embedded
// JSON schema.
func Load(path string) (Config, error) {
	cfg := Defaults()

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config %q: %w", path, err)
	}

	var asJSON []byte
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		asJSON, err = yamlconv.YAMLToJSON(raw)
		if err != nil {
			return cfg, fmt.Errorf("parse yaml config %q: %w", path, err)
		}
	case ".toml":
		var v map[string]interface{}
		if _, err := toml.Decode(string(raw), &v); err != nil {
			return cfg, fmt.Errorf("parse toml config %q: %w", path, err)
		}
		asJSON, err = yamlconv.Marshal(v)
		if err != nil {
			return cfg, fmt.Errorf("normalize toml config %q: %w", path, err)
		}
		asJSON, err = yamlconv.YAMLToJSON(asJSON)
		if err != nil {
			return cfg, fmt.Errorf("convert toml config %q: %w", path, err)
		}
	default:
		return cfg, fmt.Errorf("unrecognized config file extension %q", ext)
	}

	if err := validate(asJSON); err != nil {
		return cfg, fmt.Errorf("validate config %q: %w", path, err)
	}

	if err := yamlconv.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("decode config %q: %w", path, err)
	}
	return cfg, nil
}

func validate(asJSON []byte) error {
	schema, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(configSchema)))
	if err != nil {
		return fmt.Errorf("unmarshal embedded schema: %w", err)
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", schema); err != nil {
		return fmt.Errorf("add embedded schema: %w", err)
	}
	sch, err := compiler.Compile("config.schema.json")
	if err != nil {
		return fmt.Errorf("compile embedded schema: %w", err)
	}

	var doc interface{}
	if err := json.Unmarshal(asJSON, &doc); err != nil {
		return fmt.Errorf("unmarshal config as json: %w", err)
	}
	return sch.Validate(doc)
}
