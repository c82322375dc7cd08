// SPDX-License-Identifier: Apache-2.0

package config

// configSchema validates a decoded run configuration file before it is
// merged over Defaults(), catching typos in knob names and out-of-range
// job counts early (an Unmarshal-then-validate happy path that otherwise
// silently ignores unknown keys).
const configSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"properties": {
		"sourceUrl": {"type": "string"},
		"targetUrl": {"type": "string"},
		"runDir": {"type": "string"},
		"tableJobs": {"type": "integer", "minimum": 1},
		"indexJobs": {"type": "integer", "minimum": 1},
		"vacuumJobs": {"type": "integer", "minimum": 1},
		"lObjectJobs": {"type": "integer", "minimum": 0},
		"restoreJobs": {"type": "integer", "minimum": 1},
		"splitTablesLargerThan": {"type": "integer", "minimum": 0},
		"splitTablesLargerThanPretty": {"type": "string"},
		"consistent": {"type": "boolean"},
		"notConsistent": {"type": "boolean"},
		"resume": {"type": "boolean"},
		"restart": {"type": "boolean"},
		"failFast": {"type": "boolean"},
		"skipLargeObjects": {"type": "boolean"},
		"restoreOptions": {
			"type": "object",
			"properties": {
				"dropIfExists": {"type": "boolean"},
				"jobs": {"type": "integer", "minimum": 1}
			}
		}
	}
}`
