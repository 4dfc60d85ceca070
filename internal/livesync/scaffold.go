package livesync

import "github.com/huangang/vibecoding/internal/models"

// DefaultScaffold is written to a project that has no files on first load.
func DefaultScaffold(projectID string) []models.File {
	return []models.File{
		{ProjectID: projectID, Path: "README.md", Content: "# New Project\nWelcome to Vibecoding!", Language: "markdown"},
		{ProjectID: projectID, Path: "main.py", Content: "print('Hello World')", Language: "python"},
		{ProjectID: projectID, Path: "index.html", Content: "<h1>Hello World</h1>\n<script src='./script.js'></script>", Language: "html"},
		{ProjectID: projectID, Path: "script.js", Content: "console.log('Ready');", Language: "javascript"},
	}
}
