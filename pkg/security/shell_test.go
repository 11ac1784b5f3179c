// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package security

import (
	"strings"
	"testing"
)

func TestShellSecurityConfig_ValidateCommand(t *testing.T) {
	tests := []struct {
		name    string
		config  *ShellSecurityConfig
		command string
		args    []string
		wantErr bool
	}{
		{
			name:    "default config allows anything without metachars",
			config:  DefaultShellSecurityConfig(),
			command: "git",
			args:    []string{"status"},
			wantErr: false,
		},
		{
			name:    "denied command is rejected even with empty allowlist",
			config:  &ShellSecurityConfig{DeniedCommands: []string{"rm"}},
			command: "rm",
			args:    []string{"-rf", "/"},
			wantErr: true,
		},
		{
			name:    "allowlist rejects commands not listed",
			config:  &ShellSecurityConfig{AllowedCommands: []string{"git", "go"}},
			command: "curl",
			args:    nil,
			wantErr: true,
		},
		{
			name:    "allowlist accepts listed commands",
			config:  &ShellSecurityConfig{AllowedCommands: []string{"git", "go"}},
			command: "go",
			args:    []string{"build"},
			wantErr: false,
		},
		{
			name:    "blocked metacharacter in argument is rejected",
			config:  DefaultShellSecurityConfig(),
			command: "echo",
			args:    []string{"$(whoami)"},
			wantErr: true,
		},
		{
			name:    "shell expansion allowed bypasses metachar check",
			config:  &ShellSecurityConfig{AllowShellExpand: true},
			command: "echo",
			args:    []string{"$(whoami)"},
			wantErr: false,
		},
		{
			name:    "per-command arg allowlist rejects unlisted arg",
			config:  &ShellSecurityConfig{AllowedArgs: map[string][]string{"git": {"status", "diff"}}},
			command: "git",
			args:    []string{"push"},
			wantErr: true,
		},
		{
			name:    "per-command arg allowlist accepts listed arg",
			config:  &ShellSecurityConfig{AllowedArgs: map[string][]string{"git": {"status", "diff"}}},
			command: "git",
			args:    []string{"status"},
			wantErr: false,
		},
		{
			name:    "empty command is rejected",
			config:  DefaultShellSecurityConfig(),
			command: "",
			args:    nil,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.ValidateCommand(tt.command, tt.args)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateCommand(%q, %v) error = %v, wantErr %v", tt.command, tt.args, err, tt.wantErr)
			}
		})
	}
}

func TestShellSecurityConfig_SanitizeEnvironment(t *testing.T) {
	config := DefaultShellSecurityConfig()

	env := []string{
		"PATH=/usr/bin",
		"ANTHROPIC_API_KEY=sk-secret",
		"AWS_SECRET_ACCESS_KEY=xyz",
		"HOME=/home/user",
	}

	sanitized := config.SanitizeEnvironment(env)

	for _, kept := range sanitized {
		if strings.HasPrefix(kept, "ANTHROPIC_") || strings.HasPrefix(kept, "AWS_") {
			t.Errorf("SanitizeEnvironment() kept sensitive var: %s", kept)
		}
	}

	foundPath, foundHome := false, false
	for _, kept := range sanitized {
		if strings.HasPrefix(kept, "PATH=") {
			foundPath = true
		}
		if strings.HasPrefix(kept, "HOME=") {
			foundHome = true
		}
	}
	if !foundPath || !foundHome {
		t.Errorf("SanitizeEnvironment() dropped non-sensitive vars, got: %v", sanitized)
	}
}

func TestShellSecurityConfig_SanitizeEnvironment_Disabled(t *testing.T) {
	config := &ShellSecurityConfig{SanitizeEnv: false}
	env := []string{"ANTHROPIC_API_KEY=sk-secret"}

	sanitized := config.SanitizeEnvironment(env)
	if len(sanitized) != 1 {
		t.Errorf("SanitizeEnvironment() with SanitizeEnv=false should be a no-op, got: %v", sanitized)
	}
}

func TestParseCommandLine(t *testing.T) {
	tests := []struct {
		name        string
		commandLine string
		wantCmd     string
		wantArgs    []string
		wantErr     bool
	}{
		{
			name:        "simple command",
			commandLine: "git status",
			wantCmd:     "git",
			wantArgs:    []string{"status"},
		},
		{
			name:        "command with multiple args",
			commandLine: "go build ./...",
			wantCmd:     "go",
			wantArgs:    []string{"build", "./..."},
		},
		{
			name:        "empty command line errors",
			commandLine: "",
			wantErr:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, args, err := ParseCommandLine(tt.commandLine)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseCommandLine(%q) error = %v, wantErr %v", tt.commandLine, err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if cmd != tt.wantCmd {
				t.Errorf("ParseCommandLine(%q) cmd = %q, want %q", tt.commandLine, cmd, tt.wantCmd)
			}
			if strings.Join(args, ",") != strings.Join(tt.wantArgs, ",") {
				t.Errorf("ParseCommandLine(%q) args = %v, want %v", tt.commandLine, args, tt.wantArgs)
			}
		})
	}
}
