package app

import (
	"strings"

	"github.com/bdobrica/Kotae/internal/kotae/config"
	"github.com/bdobrica/Kotae/internal/kotae/memory"
)

// composePrompt assembles the user prompt sent upstream:
//
//	<template with {name} replaced>
//	<author>: <content>      one line per remembered entry, oldest first
//	Message: <content>
//
// history must not contain the message being answered.
func composePrompt(template, authorName string, history []memory.Entry, content string) string {
	tpl := strings.TrimSpace(template)
	if tpl == "" {
		tpl = config.DefaultBotPrompt
	}
	tpl = strings.ReplaceAll(tpl, "{name}", authorName)

	var sb strings.Builder
	sb.WriteString(tpl)
	sb.WriteByte('\n')
	for _, e := range history {
		sb.WriteString(e.Author)
		sb.WriteString(": ")
		sb.WriteString(e.Content)
		sb.WriteByte('\n')
	}
	sb.WriteString("Message: ")
	sb.WriteString(content)
	return sb.String()
}
