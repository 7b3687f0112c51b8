// Package repository prepares what gets published for a task.
package repository

import (
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/k11v/appbuild/internal/build"
)

const (
	IndexFile   = "index.html"
	LicenseFile = "LICENSE"
	ReadmeFile  = "README.md"
)

// Name returns the repository name of a task.
// Characters GitHub doesn't allow are replaced with hyphens.
func Name(task string) string {
	var b strings.Builder
	b.WriteString("app-")
	for _, r := range strings.ToLower(strings.TrimSpace(task)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	name := b.String()
	if len(name) > 100 {
		name = name[:100]
	}
	return name
}

// URL returns the web URL of a GitHub repository.
func URL(owner, name string) string {
	return fmt.Sprintf("https://github.com/%s/%s", owner, name)
}

// PagesURL returns the GitHub Pages URL of a repository.
func PagesURL(owner, name string) string {
	return fmt.Sprintf("https://%s.github.io/%s/", strings.ToLower(owner), name)
}

// FilesParams describes the files of a commit.
type FilesParams struct {
	Owner         string // required
	Request       *build.Request
	HTML          string
	Attachments   []build.Attachment // resolved
	RepositoryURL string
	PagesURL      string
	Now           time.Time
}

// Files returns the files to commit: the generated index.html, LICENSE, README.md
// and the attachments. Attachments that would overwrite one of the generated files
// are moved under assets/, with a numeric suffix if that path is taken too.
// Every returned path is unique.
func Files(params *FilesParams) []build.File {
	files := []build.File{
		{Path: IndexFile, Content: []byte(params.HTML)},
		{Path: LicenseFile, Content: []byte(License(params.Owner, params.Now.Year()))},
		{Path: ReadmeFile, Content: []byte(Readme(params))},
	}

	generated := map[string]bool{IndexFile: true, LicenseFile: true, ReadmeFile: true}
	taken := make(map[string]bool, len(generated)+len(params.Attachments))
	for p := range generated {
		taken[p] = true
	}
	for _, a := range params.Attachments {
		if !generated[a.Name] {
			taken[a.Name] = true
		}
	}

	for _, a := range params.Attachments {
		p := a.Name
		if generated[p] {
			p = freePath(taken, "assets/"+p)
			taken[p] = true
		}
		files = append(files, build.File{Path: p, Content: a.Bytes})
	}

	return files
}

// freePath returns p, or p with "-2", "-3" and so on before its extension, whichever isn't taken.
func freePath(taken map[string]bool, p string) string {
	if !taken[p] {
		return p
	}
	ext := path.Ext(p)
	base := strings.TrimSuffix(p, ext)
	for i := 2; ; i++ {
		c := fmt.Sprintf("%s-%d%s", base, i, ext)
		if !taken[c] {
			return c
		}
	}
}

// License returns the MIT license text.
func License(owner string, year int) string {
	return fmt.Sprintf(`MIT License

Copyright (c) %d %s

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in all
copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
SOFTWARE.
`, year, owner)
}

// Readme returns the README.md text.
func Readme(params *FilesParams) string {
	var b strings.Builder
	req := params.Request

	fmt.Fprintf(&b, "# %s\n\n", Name(req.Task))
	fmt.Fprintf(&b, "## Overview\n\nThis application was generated for task `%s`, round %d.\n\n", req.Task, req.Round)
	fmt.Fprintf(&b, "**Brief:** %s\n\n", req.Brief)

	if len(req.Checks) > 0 {
		b.WriteString("## Checks\n\n")
		for _, c := range req.Checks {
			fmt.Fprintf(&b, "- %s\n", c)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "## Live Demo\n\n[%s](%s)\n\n", params.PagesURL, params.PagesURL)
	fmt.Fprintf(&b, "## Repository\n\n[%s](%s)\n\n", params.RepositoryURL, params.RepositoryURL)

	b.WriteString("## Setup\n\n1. Clone the repository\n2. Open `index.html` in a web browser\n3. Or visit the GitHub Pages URL above\n\n")

	b.WriteString("## Code Structure\n\n")
	b.WriteString("- `index.html` - Main application file with embedded CSS and JavaScript\n")
	for _, a := range params.Attachments {
		fmt.Fprintf(&b, "- `%s` - Attachment (%s)\n", a.Name, a.MIMEType)
	}
	b.WriteString("- `LICENSE` - MIT License\n- `README.md` - This file\n\n")

	fmt.Fprintf(&b, "Generated %s.\n\n", params.Now.UTC().Format("2006-01-02 15:04:05 UTC"))
	b.WriteString("## License\n\nThis project is licensed under the MIT License - see the [LICENSE](LICENSE) file for details.\n")

	return b.String()
}
