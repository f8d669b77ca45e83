package stage

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/*.md
var embedded embed.FS

// Files every prompt directory must contain to be accepted.
var requiredPrompts = []string{"0_populate_queue.md", "6_review_commit.md"}

// Template is a parsed prompt file.
type Template struct {
	Model string
	Body  string
}

type frontMatter struct {
	Model string `yaml:"model"`
}

// ParseTemplate splits optional YAML front matter from the prompt body.
// Front matter is only recognised when the file starts with "---\n" and a
// closing "\n---\n" follows.
func ParseTemplate(raw string) Template {
	if !strings.HasPrefix(raw, "---\n") {
		return Template{Body: raw}
	}
	end := strings.Index(raw[4:], "\n---\n")
	if end == -1 {
		return Template{Body: raw}
	}
	end += 4

	var fm frontMatter
	if err := yaml.Unmarshal([]byte(raw[4:end]), &fm); err != nil {
		fm = frontMatter{}
	}
	return Template{Model: strings.TrimSpace(fm.Model), Body: raw[end+5:]}
}

// Render substitutes {KEY} placeholders in a single pass. Placeholders with
// no value are left as they are, and substituted values are never rescanned.
func Render(body string, values map[string]string) string {
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		pairs = append(pairs, "{"+k+"}", values[k])
	}
	return strings.NewReplacer(pairs...).Replace(body)
}

// Prompts loads stage templates from a directory or the built-in set.
type Prompts struct {
	fsys   fs.FS
	source string
}

// Source describes where templates are read from.
func (p *Prompts) Source() string {
	return p.source
}

// Load reads and parses the template for spec.
func (p *Prompts) Load(spec Spec) (Template, error) {
	data, err := fs.ReadFile(p.fsys, spec.PromptFile)
	if err != nil {
		return Template{}, fmt.Errorf("failed to read prompt %s from %s: %w", spec.PromptFile, p.source, err)
	}
	return ParseTemplate(string(data)), nil
}

// Builtin returns the prompts compiled into the binary.
func Builtin() *Prompts {
	sub, err := fs.Sub(embedded, "prompts")
	if err != nil {
		panic(err)
	}
	return &Prompts{fsys: sub, source: "builtin"}
}

// ResolvePrompts returns the first candidate directory holding a complete
// prompt set, falling back to the built-in prompts. Blank candidates are
// skipped.
func ResolvePrompts(candidates ...string) *Prompts {
	for _, dir := range candidates {
		if dir == "" {
			continue
		}
		if hasPrompts(dir) {
			return &Prompts{fsys: os.DirFS(dir), source: dir}
		}
	}
	return Builtin()
}

func hasPrompts(dir string) bool {
	for _, name := range requiredPrompts {
		info, err := os.Stat(filepath.Join(dir, name))
		if err != nil || info.IsDir() {
			return false
		}
	}
	return true
}
