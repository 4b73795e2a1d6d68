package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"distcoder/models"
)

// jobFile is the document layout of a job list. A bare list of
// definitions is accepted as well.
type jobFile struct {
	Defaults models.JobDefinition   `yaml:"defaults"`
	Jobs     []models.JobDefinition `yaml:"jobs"`
}

// LoadJobs reads the ordered job list at path. JSON files load too since
// JSON is a subset of YAML.
func LoadJobs(path string) ([]models.JobDefinition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job list: %w", err)
	}
	return ParseJobs(data)
}

// ParseJobs parses a job list document. Fields left empty take the values
// from the document's defaults section.
func ParseJobs(data []byte) ([]models.JobDefinition, error) {
	var doc yaml.Node
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse job list: %w", err)
	}
	if len(doc.Content) == 0 {
		return nil, fmt.Errorf("job list is empty")
	}

	var file jobFile
	var err error
	switch root := doc.Content[0]; root.Kind {
	case yaml.SequenceNode:
		err = root.Decode(&file.Jobs)
	case yaml.MappingNode:
		err = root.Decode(&file)
	default:
		return nil, fmt.Errorf("job list must be a list or a mapping with a jobs key")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to parse job list: %w", err)
	}
	if len(file.Jobs) == 0 {
		return nil, fmt.Errorf("job list contains no jobs")
	}

	jobs := make([]models.JobDefinition, len(file.Jobs))
	for i, j := range file.Jobs {
		jobs[i] = mergeJob(j, file.Defaults)
	}
	return jobs, nil
}

func mergeJob(j, d models.JobDefinition) models.JobDefinition {
	if j.InputClass == "" {
		j.InputClass = d.InputClass
	}
	if j.OutputClass == "" {
		j.OutputClass = d.OutputClass
	}
	if j.ChunkBytes == 0 {
		j.ChunkBytes = d.ChunkBytes
	}
	if j.Params == (models.TranscodeParams{}) {
		j.Params = d.Params
	}
	if !j.Overwrite {
		j.Overwrite = d.Overwrite
	}
	return j
}

// ApplyJobDefaults fills what a definition leaves open from the config and
// validates it. The input class defaults to remote-raw for http(s) inputs
// and local-raw otherwise.
func (c *Config) ApplyJobDefaults(j models.JobDefinition) (models.JobDefinition, error) {
	if j.InputClass == "" {
		if strings.HasPrefix(j.Input, "http://") || strings.HasPrefix(j.Input, "https://") {
			j.InputClass = models.InputRemoteRaw
		} else {
			j.InputClass = models.InputLocalRaw
		}
	}
	if j.OutputClass == "" {
		j.OutputClass = models.OutputSingleFile
	}
	if j.ChunkBytes == 0 {
		j.ChunkBytes = c.ChunkBytes
	}
	if j.Params.ResolutionScale == 0 {
		j.Params.ResolutionScale = 1
	}
	if err := j.Validate(); err != nil {
		return j, fmt.Errorf("job %q: %w", j.DisplayName(), err)
	}
	return j, nil
}
