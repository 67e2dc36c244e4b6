package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/riannom/archetype/pkg/types"
)

// labFile is the on-disk lab definition format.
type labFile struct {
	Name         string         `yaml:"name"`
	Owner        string         `yaml:"owner,omitempty"`
	DefaultAgent string         `yaml:"default_agent,omitempty"`
	Topology     types.Topology `yaml:"topology"`
}

var applyCmd = &cobra.Command{
	Use:   "apply",
	Short: "Create a lab from a YAML definition",
	Long: `Apply a lab definition file against a running controller.

Example definition:

  name: spine-leaf
  topology:
    nodes:
      - {name: spine1, kind: ceos, image: ceos:4.30}
      - {name: leaf1, kind: linux, image: alpine:3.20}
    links:
      - {a: "spine1:eth1", z: "leaf1:eth1"}`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		server, _ := cmd.Flags().GetString("server")
		up, _ := cmd.Flags().GetBool("up")

		raw, err := os.ReadFile(file)
		if err != nil {
			return err
		}
		var def labFile
		if err := yaml.Unmarshal(raw, &def); err != nil {
			return fmt.Errorf("parse %s: %w", file, err)
		}
		if def.Name == "" {
			return fmt.Errorf("%s: lab name is required", file)
		}

		client := &http.Client{Timeout: 30 * time.Second}
		lab, err := createLab(client, server, &def)
		if err != nil {
			return err
		}
		fmt.Printf("lab %s created (id %s)\n", def.Name, lab["ID"])

		if up {
			job, err := postJSON(client, fmt.Sprintf("%s/api/v1/labs/%v/up", server, lab["ID"]), nil)
			if err != nil {
				return err
			}
			fmt.Printf("deploy job %v queued\n", job["ID"])
		}
		return nil
	},
}

func init() {
	applyCmd.Flags().StringP("file", "f", "lab.yaml", "lab definition file")
	applyCmd.Flags().String("server", "http://localhost:8080", "controller address")
	applyCmd.Flags().Bool("up", false, "deploy the lab after creating it")
}

func createLab(client *http.Client, server string, def *labFile) (map[string]any, error) {
	payload := map[string]any{
		"name":     def.Name,
		"owner":    def.Owner,
		"topology": def.Topology,
	}
	if def.DefaultAgent != "" {
		payload["default_agent"] = def.DefaultAgent
	}
	return postJSON(client, server+"/api/v1/labs", payload)
}

func postJSON(client *http.Client, url string, payload any) (map[string]any, error) {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(http.MethodPost, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("%s: decode response: %w", url, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("%s: %s (%v)", url, resp.Status, out["error"])
	}
	return out, nil
}
