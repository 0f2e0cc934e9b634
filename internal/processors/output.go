package processors

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aristath/deployer/internal/config"
	"github.com/aristath/deployer/internal/deployment"
	"github.com/aristath/deployer/internal/pipeline"
)

// fileOutputProcessor appends each finished deployment as a JSON line
type fileOutputProcessor struct {
	base
	path string
	mu   sync.Mutex
}

func fileOutputFactory(defaultDir string) pipeline.Factory {
	return func(bc pipeline.BuildContext, cfg config.ProcessorConfig) (pipeline.Processor, error) {
		dir := cfg.String("outputFolder", defaultDir)
		if dir == "" {
			return nil, fmt.Errorf("%s: no output folder configured", FileOutput)
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output folder %s: %w", dir, err)
		}
		return &fileOutputProcessor{
			path: filepath.Join(dir, bc.Target.ID+"-deployments.jsonl"),
		}, nil
	}
}

func (p *fileOutputProcessor) Execute(_ context.Context, in pipeline.Input) (*deployment.ChangeSet, error) {
	line, err := json.Marshal(in.Deployment)
	if err != nil {
		return nil, fmt.Errorf("failed to encode deployment: %w", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	f, err := os.OpenFile(p.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", p.path, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("failed to write %s: %w", p.path, err)
	}
	return nil, nil
}
