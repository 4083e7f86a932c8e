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

// Package logging defines the verbosity levels used with logr loggers
// throughout the repository, mapped to klog's -v flag.
package logging

const (
	// WARN is for messages that signal a recoverable problem
	WARN = 0
	// INFO is for general operational messages
	INFO = 1
	// DEBUG is for detailed flow information
	DEBUG = 2
	// TRACE is for very verbose, per-element output
	TRACE = 4
)
