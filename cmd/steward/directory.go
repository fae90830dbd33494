package main

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/stewardhq/steward/runtime/runner"
)

type (
	// directoryFile is the on-disk agent directory format. It seeds the
	// static directory when running without MongoDB and is upserted into the
	// Mongo directory otherwise.
	directoryFile struct {
		Agents []agentSpec `yaml:"agents"`
		// Dictionary maps concrete sensitive strings to stable pseudonyms
		// applied to every outbound prompt.
		Dictionary map[string]string `yaml:"dictionary"`
	}

	agentSpec struct {
		Slug              string `yaml:"slug"`
		OrgSlug           string `yaml:"orgSlug"`
		Global            bool   `yaml:"global"`
		Name              string `yaml:"name"`
		Type              string `yaml:"type"`
		SystemPrompt      string `yaml:"systemPrompt"`
		Provider          string `yaml:"provider"`
		Model             string `yaml:"model"`
		EndpointURL       string `yaml:"endpointUrl"`
		DispatchTimeoutMS int    `yaml:"dispatchTimeoutMs"`
	}
)

// loadDirectoryFile parses the YAML agent directory at path.
func loadDirectoryFile(path string) (*directoryFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read agent directory: %w", err)
	}
	var f directoryFile
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("parse agent directory: %w", err)
	}
	for i, a := range f.Agents {
		if a.Slug == "" {
			return nil, fmt.Errorf("agent %d: slug is required", i)
		}
		if a.Type == "" {
			return nil, fmt.Errorf("agent %q: type is required", a.Slug)
		}
		if !a.Global && a.OrgSlug == "" {
			return nil, fmt.Errorf("agent %q: orgSlug is required unless global", a.Slug)
		}
	}
	return &f, nil
}

func (s agentSpec) agent() *runner.Agent {
	return &runner.Agent{
		Slug:            s.Slug,
		OrgSlug:         s.OrgSlug,
		Global:          s.Global,
		Name:            s.Name,
		Type:            runner.Type(s.Type),
		SystemPrompt:    s.SystemPrompt,
		Provider:        s.Provider,
		Model:           s.Model,
		EndpointURL:     s.EndpointURL,
		DispatchTimeout: time.Duration(s.DispatchTimeoutMS) * time.Millisecond,
	}
}
