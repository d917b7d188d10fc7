// Copyright 2025 Esteban Alvarez. All Rights Reserved.
//
// Created: October 2025
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

// Package notifier delivers a forwarded block event's human-readable
// text to whatever chat a license is bound to.
package notifier

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
)

var categoryNames = map[string]string{
	"SQLI":      "SQL Injection",
	"XSS":       "XSS",
	"TRAVERSAL": "Path Traversal",
	"CMD":       "Command Injection",
	"SSRF":      "SSRF",
}

// Notifier delivers text to a chat that a license has been bound to.
type Notifier interface {
	Send(ctx context.Context, chatID int64, text string, event map[string]any) error
}

// LoggingNotifier is the default Notifier: it logs the formatted message
// instead of dispatching to a real chat backend, the same role the
// original project's bot_runner.send_message plays when no chat
// transport is configured (application is nil, message is dropped with
// a log line).
type LoggingNotifier struct {
	Logger *zap.SugaredLogger
}

// New builds a LoggingNotifier. A nil logger is replaced with a no-op one.
func New(logger *zap.SugaredLogger) *LoggingNotifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LoggingNotifier{Logger: logger}
}

func (n *LoggingNotifier) Send(ctx context.Context, chatID int64, text string, event map[string]any) error {
	n.Logger.Infow("chat notification", "chat_id", chatID, "text", text)
	return nil
}

var _ Notifier = (*LoggingNotifier)(nil)

// FormatEventMessage renders an ingested event payload into the same
// human-readable shape the original templates.format_event_message
// produces: a category line, the endpoint and client IP, the suspected
// parameter if any, and which detection stage fired.
func FormatEventMessage(event map[string]any) string {
	category, _ := event["category"].(string)
	endpoint, _ := event["endpoint"].(string)
	clientIP, _ := event["client_ip"].(string)
	suspectedParam, _ := event["suspected_param"].(string)
	stage, _ := event["stage"].(string)
	mlLabel, _ := event["ml_label"].(string)
	mlConfidence, hasConfidence := event["ml_confidence"].(float64)

	categoryName := category
	if name, ok := categoryNames[category]; ok {
		categoryName = name
	}

	var detection string
	switch {
	case mlLabel != "" && hasConfidence:
		detection = fmt.Sprintf("ML: %s (%.0f%%) + Regex", mlLabel, mlConfidence*100)
	case strings.Contains(strings.ToLower(stage), "ml"):
		detection = "ML classifier"
	default:
		detection = "Regex"
	}

	lines := []string{
		"ATTACK BLOCKED",
		"",
		fmt.Sprintf("Type: %s", categoryName),
		fmt.Sprintf("IP: %s", clientIP),
		fmt.Sprintf("Endpoint: %s", endpoint),
	}
	if suspectedParam != "" && suspectedParam != "unknown" {
		lines = append(lines, fmt.Sprintf("Param: %s", suspectedParam))
	}
	lines = append(lines, fmt.Sprintf("Detection: %s", detection))
	return strings.Join(lines, "\n")
}
