package execution

import (
	"regexp"
	"strings"
)

// shellCommands are first tokens that identify a shell one-liner outright.
var shellCommands = map[string]bool{
	"ls": true, "cd": true, "pwd": true, "echo": true, "cat": true,
	"grep": true, "find": true, "sed": true, "awk": true, "curl": true,
	"wget": true, "git": true, "mkdir": true, "rm": true, "cp": true,
	"mv": true, "touch": true, "chmod": true, "chown": true, "tar": true,
	"head": true, "tail": true, "sort": true, "uniq": true, "wc": true,
	"ps": true, "kill": true, "which": true, "env": true, "export": true,
	"xargs": true, "date": true, "df": true, "du": true, "tr": true,
}

var (
	pythonPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*(import|from)\s+\w`),
		regexp.MustCompile(`^\s*def\s+\w+\s*\(`),
		regexp.MustCompile(`^\s*class\s+\w+`),
		regexp.MustCompile(`\bprint\s*\(`),
		regexp.MustCompile(`^\s*(if|for|while|with|try)\b.*:\s*$`),
		regexp.MustCompile(`\blambda\b`),
		regexp.MustCompile(`f"[^"]*\{`),
		regexp.MustCompile(`^\s*@\w+`),
	}
	shellPatterns = []*regexp.Regexp{
		regexp.MustCompile(`^\s*#!/bin/(ba)?sh`),
		regexp.MustCompile(`\$\{?\w+\}?`),
		regexp.MustCompile(`\|\s*\w+`),
		regexp.MustCompile(`(^|\s)(&&|\|\|)(\s|$)`),
		regexp.MustCompile(`>\s*/?\w+`),
		regexp.MustCompile(`^\s*(if|then|fi|do|done|esac)\b`),
		regexp.MustCompile(`\w+=[^=\s]\S*\s`),
	}
)

// Detect classifies code as python or shell. Detection is deterministic:
// a shebang decides first, then a known shell command as the sole line's
// first token, then a weighted vote over line patterns. Python wins ties.
func Detect(code string) string {
	trimmed := strings.TrimSpace(code)
	if strings.HasPrefix(trimmed, "#!") {
		if strings.Contains(strings.SplitN(trimmed, "\n", 2)[0], "python") {
			return LangPython
		}
		return LangShell
	}

	lines := strings.Split(trimmed, "\n")
	if len(lines) == 1 {
		fields := strings.Fields(lines[0])
		if len(fields) > 0 && shellCommands[fields[0]] {
			return LangShell
		}
	}

	var pyScore, shScore int
	for _, line := range lines {
		for _, p := range pythonPatterns {
			if p.MatchString(line) {
				pyScore += 2
			}
		}
		for _, p := range shellPatterns {
			if p.MatchString(line) {
				shScore++
			}
		}
	}
	if shScore > pyScore {
		return LangShell
	}
	return LangPython
}
