/*
Copyright 2025 The llm-d-decode-postprocessor Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/go-logr/logr"
	"k8s.io/klog/v2"

	"github.com/llm-d/llm-d-decode-postprocessor/cmd/signals"
	"github.com/llm-d/llm-d-decode-postprocessor/pkg/capture"
	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common"
	"github.com/llm-d/llm-d-decode-postprocessor/pkg/common/logging"
)

func main() {
	// setup logger and context with graceful shutdown
	logger := klog.Background()
	ctx := klog.NewContext(context.Background(), logger)
	ctx = signals.SetupSignalHandler(ctx)

	logger.V(logging.INFO).Info("Starting decode post-processing tool")

	config, err := common.ParseCommandParamsAndLoadConfig()
	if err != nil {
		logger.Error(err, "invalid configuration")
		return
	}
	if err := showConfig(logger, config); err != nil {
		logger.Error(err, "failed to display the configuration")
		return
	}

	tool, err := capture.NewTool(config, logger)
	if err != nil {
		logger.Error(err, "failed to create decode post-processing tool")
		return
	}
	defer tool.Close()

	if err := tool.Run(ctx); err != nil {
		logger.Error(err, "failed to run decode post-processing tool", "mode", config.Mode)
		return
	}
	logger.V(logging.INFO).Info("Decode post-processing tool finished", "mode", config.Mode)
}

// showConfig logs the effective configuration as indented JSON
func showConfig(logger logr.Logger, config *common.Configuration) error {
	cfgJSON, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal configuration to JSON: %w", err)
	}
	logger.V(logging.INFO).Info("Configuration:", "", string(cfgJSON))
	return nil
}
