// Package codegen builds prompts for code generation and cleans up the results.
package codegen

import (
	"errors"
	"fmt"
	"strings"

	"github.com/k11v/appbuild/internal/build"
)

// SystemPrompt is sent as the system message of every generation.
const SystemPrompt = "You are an expert web developer. Create clean, modern, and functional web applications. Always return complete, working code."

// ErrEmptyOutput is returned when generation produced no code.
var ErrEmptyOutput = errors.New("codegen: empty output")

// Prompt is the input of a generation.
type Prompt struct {
	System string
	User   string
}

// NewCreatePrompt returns the prompt of a round 1 request.
func NewCreatePrompt(req *build.Request, attachments []build.Attachment) *Prompt {
	var b strings.Builder

	fmt.Fprintf(&b, "Create a complete, modern web application based on this brief: %s\n\n", req.Brief)
	b.WriteString(`Requirements:
1. Create a single HTML file (index.html) with embedded CSS and JavaScript
2. Use Bootstrap 5 from CDN for responsive design and modern styling
3. Make it fully functional and ready to deploy
4. Include proper error handling and user feedback
5. Write clean, well-commented code
6. Ensure the app is accessible and user-friendly
7. Handle any data processing or API calls mentioned in the brief
8. Make the interface intuitive and professional
`)
	writeChecks(&b, req.Checks)
	writeAttachments(&b, "Attachments available (committed next to index.html):", attachments)
	b.WriteString("\nReturn ONLY the complete HTML code. Do not include any explanations, markdown formatting, or code blocks. Just the raw HTML that can be saved as index.html and run immediately.\n")

	return &Prompt{System: SystemPrompt, User: b.String()}
}

// NewRevisionPrompt returns the prompt of a round 2 request.
// The prior generated code is the only context about the current application.
// priorRequest may be nil.
func NewRevisionPrompt(req *build.Request, attachments []build.Attachment, prior *build.ResponseRecord, priorRequest *build.RequestRecord) *Prompt {
	var b strings.Builder

	b.WriteString("Modify the existing web application below.\n\n")
	if priorRequest != nil {
		fmt.Fprintf(&b, "ORIGINAL REQUEST (Round %d):\n%s\n\n", priorRequest.Round, priorRequest.Brief)
	}
	fmt.Fprintf(&b, "REVISION REQUEST (Round %d):\n%s\n\n", req.Round, req.Brief)
	b.WriteString(`Please update the existing application to include the new requirements while maintaining all existing functionality.
1. Implement the new requirements from the brief
2. Keep the same overall structure but enhance it
3. Ensure all previous features still work
4. Maintain the same styling approach (Bootstrap 5)
`)

	var checks []string
	if priorRequest != nil {
		checks = append(checks, priorRequest.Checks...)
	}
	checks = append(checks, req.Checks...)
	writeChecks(&b, checks)
	writeAttachments(&b, "New attachments available (committed next to index.html):", attachments)

	b.WriteString("\nCURRENT index.html:\n")
	b.WriteString(prior.GeneratedCode)
	if !strings.HasSuffix(prior.GeneratedCode, "\n") {
		b.WriteString("\n")
	}
	b.WriteString("\nReturn ONLY the complete updated HTML code. Do not include any explanations, markdown formatting, or code blocks. Just the raw HTML that can be saved as index.html and run immediately.\n")

	return &Prompt{System: SystemPrompt, User: b.String()}
}

func writeChecks(b *strings.Builder, checks []string) {
	if len(checks) == 0 {
		return
	}
	b.WriteString("\nThe application must pass these checks:\n")
	for _, c := range checks {
		fmt.Fprintf(b, "- %s\n", c)
	}
}

func writeAttachments(b *strings.Builder, title string, attachments []build.Attachment) {
	if len(attachments) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s\n", title)
	for _, a := range attachments {
		fmt.Fprintf(b, "- %s (%s, %d bytes)\n", a.Name, a.MIMEType, len(a.Bytes))
	}
}

// ExtractHTML removes markdown code fences and surrounding whitespace.
func ExtractHTML(s string) (string, error) {
	s = strings.TrimSpace(s)
	if rest, ok := strings.CutPrefix(s, "```"); ok {
		// Drop the info string, e.g. "html".
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			rest = rest[i+1:]
		} else {
			rest = strings.TrimPrefix(rest, "html")
		}
		s = rest
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	s = strings.TrimSpace(s)
	if s == "" {
		return "", ErrEmptyOutput
	}
	return s, nil
}
