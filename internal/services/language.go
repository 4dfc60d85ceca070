package services

import (
	"path/filepath"
	"strings"

	"github.com/huangang/vibecoding/internal/permission"
)

// extensionToLanguage maps file extensions to editor language tags.
var extensionToLanguage = map[string]string{
	".py":   "python",
	".js":   "javascript",
	".jsx":  "javascript",
	".mjs":  "javascript",
	".cjs":  "javascript",
	".ts":   "typescript",
	".tsx":  "typescript",
	".html": "html",
	".htm":  "html",
	".css":  "css",
	".md":   "markdown",
	".c":    "c",
	".h":    "c",
	".cpp":  "cpp",
	".cc":   "cpp",
	".hpp":  "cpp",
	".go":   "go",
	".json": "json",
	".sql":  "sql",
}

// DetectLanguage returns the language tag for path, or "text".
func DetectLanguage(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if lang, ok := extensionToLanguage[ext]; ok {
		return lang
	}
	return "text"
}

// DefaultContent is the initial content of a newly created file.
func DefaultContent(path string) string {
	if DetectLanguage(path) == "markdown" {
		return "# " + path
	}
	return ""
}

// roleHints describes the area each role is expected to touch, for the system prompt.
var roleHints = map[permission.Role]string{
	permission.RoleLeader: `Leader scope:
- May modify any file, including locked ones
- Owns project-wide refactors`,

	permission.RoleFrontend: `Frontend scope:
- UI only: HTML, CSS, client-side JavaScript and React
- Do not touch server-side code`,

	permission.RoleBackend: `Backend scope:
- Logic and data only: Node, SQL, API handlers, Python, C
- Leave markup and styling alone`,
}

// RoleHint returns the scope guidance for role, or "" when there is none.
func RoleHint(role permission.Role) string {
	return roleHints[role]
}
