package filesync

import (
	"path"
	"strings"
)

const DefaultLanguage = "plaintext"

var languagesByExtension = map[string]string{
	".js":    "javascript",
	".jsx":   "javascript",
	".mjs":   "javascript",
	".cjs":   "javascript",
	".ts":    "typescript",
	".tsx":   "typescript",
	".py":    "python",
	".go":    "go",
	".rs":    "rust",
	".java":  "java",
	".kt":    "kotlin",
	".c":     "c",
	".h":     "c",
	".cpp":   "cpp",
	".cc":    "cpp",
	".hpp":   "cpp",
	".cs":    "csharp",
	".rb":    "ruby",
	".php":   "php",
	".swift": "swift",
	".html":  "html",
	".htm":   "html",
	".css":   "css",
	".scss":  "scss",
	".json":  "json",
	".yaml":  "yaml",
	".yml":   "yaml",
	".toml":  "toml",
	".xml":   "xml",
	".md":    "markdown",
	".sql":   "sql",
	".sh":    "shell",
	".bash":  "shell",
	".txt":   DefaultLanguage,
}

var languagesByName = map[string]string{
	"dockerfile": "dockerfile",
	"makefile":   "makefile",
}

// DetectLanguage maps a file name to an editor language id by extension.
// Unknown names map to DefaultLanguage.
func DetectLanguage(name string) string {
	base := strings.ToLower(path.Base(name))
	if lang, ok := languagesByName[base]; ok {
		return lang
	}
	if lang, ok := languagesByExtension[path.Ext(base)]; ok {
		return lang
	}
	return DefaultLanguage
}
