/*
PACS Edge Gateway - DICOM edge gateway for medical imaging pipelines.
Copyright © 2024 The pacsedge contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/pacsedge/pacsedge/framework/config"
)

const testConfig = `edge:
  ae_title: PACS_EDGE
  port: 11112
  data_root: /data
forwarder:
  mode: archive
  max_retries: 3
  archive:
    host: pacs
    port: 104
    ae_title: ARCHIVE
`

func writeTestConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEditFaultsInject(t *testing.T) {
	path := writeTestConfig(t, testConfig)

	err := editFaults(path, func(section map[string]interface{}) {
		section["reject_all"] = faultPresets["reject_all"]
	})
	if err != nil {
		t.Fatal(err)
	}

	faults, err := config.LoadFaults(path)
	if err != nil {
		t.Fatal(err)
	}
	if !faults.RejectAll {
		t.Error("reject_all not set")
	}

	// The rest of the document survives the rewrite.
	cfg, err := config.Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Edge.AETitle != "PACS_EDGE" || cfg.Forwarder.Archive.Host != "pacs" {
		t.Errorf("document damaged: %+v", cfg)
	}
}

func TestEditFaultsCreatesSection(t *testing.T) {
	path := writeTestConfig(t, testConfig)

	err := editFaults(path, func(section map[string]interface{}) {
		section["io_delay_ms"] = faultPresets["io_delay_ms"]
	})
	if err != nil {
		t.Fatal(err)
	}

	faults, err := config.LoadFaults(path)
	if err != nil {
		t.Fatal(err)
	}
	if faults.IODelayMS != 500 {
		t.Errorf("io_delay_ms: got %d", faults.IODelayMS)
	}
}

func TestEditFaultsClear(t *testing.T) {
	path := writeTestConfig(t, testConfig+`fault_injection:
  reject_all: true
  disk_full: true
  io_delay_ms: 500
  random_fail_rate: 0.3
`)

	err := editFaults(path, func(section map[string]interface{}) {
		section["reject_all"] = false
		section["disk_full"] = false
		section["io_delay_ms"] = 0
		section["random_fail_rate"] = 0.0
	})
	if err != nil {
		t.Fatal(err)
	}

	faults, err := config.LoadFaults(path)
	if err != nil {
		t.Fatal(err)
	}
	if faults != (config.Faults{}) {
		t.Errorf("faults not cleared: %+v", faults)
	}
}

func TestEditFaultsMissingFile(t *testing.T) {
	err := editFaults(filepath.Join(t.TempDir(), "nope.yaml"), func(map[string]interface{}) {})
	if err == nil {
		t.Error("missing file not reported")
	}
}

func TestFaultPresetsMatchConfigKeys(t *testing.T) {
	path := writeTestConfig(t, testConfig)

	for name, value := range faultPresets {
		err := editFaults(path, func(section map[string]interface{}) {
			section[name] = value
		})
		if err != nil {
			t.Fatalf("%s: %v", name, err)
		}
	}

	faults, err := config.LoadFaults(path)
	if err != nil {
		t.Fatal(err)
	}
	if !faults.RejectAll || !faults.DiskFull || faults.IODelayMS != 500 || faults.RandomFailRate != 0.3 {
		t.Errorf("presets did not round-trip: %+v", faults)
	}
}
