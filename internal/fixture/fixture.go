// Package fixture prepares local files for upload to guests, rendering
// templated fixtures on the way.
package fixture

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
)

// TemplateExt marks a fixture that is rendered before upload.
const TemplateExt = ".tmpl"

// Endpoint is one host as seen by a template.
type Endpoint struct {
	Hostname        string
	Role            string
	Address         string
	InternalAddress string
	OverlayAddress  string
	Gateway         string
}

// Data is the value templates are executed with.
type Data struct {
	Scenario    string
	Service     string
	ServicePort int

	// Host is the host the fixture is uploaded to.
	Host Endpoint

	Lighthouse Endpoint
	Hosts      []Endpoint
	Vars       map[string]string
}

// Prepared is a fixture ready for upload.
type Prepared struct {
	// Path is the local file to upload.
	Path string

	// Checksum is the SHA256 of the file's contents.
	Checksum string

	// Rendered is true if Path was produced from a template.
	Rendered bool
}

// Renderer materializes templated fixtures into a directory.
type Renderer struct {
	dir string
}

// NewRenderer returns a renderer writing into dir.
func NewRenderer(dir string) *Renderer {
	return &Renderer{dir: dir}
}

// Prepare returns a file ready for upload. Files ending in .tmpl are
// rendered with data into the renderer's directory; others are used as is.
func (r *Renderer) Prepare(src string, data Data) (*Prepared, error) {
	content, err := os.ReadFile(src)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture '%s': %w", src, err)
	}

	if !strings.HasSuffix(src, TemplateExt) {
		return &Prepared{Path: src, Checksum: checksum(content)}, nil
	}

	rendered, err := Render(filepath.Base(src), string(content), data)
	if err != nil {
		return nil, fmt.Errorf("fixture '%s': %w", src, err)
	}

	name := strings.TrimSuffix(filepath.Base(src), TemplateExt)
	if data.Host.Hostname != "" {
		name = data.Host.Hostname + "-" + name
	}
	dst := filepath.Join(r.dir, name)
	if err := os.WriteFile(dst, rendered, 0o644); err != nil {
		return nil, fmt.Errorf("failed to write rendered fixture: %w", err)
	}

	return &Prepared{Path: dst, Checksum: checksum(rendered), Rendered: true}, nil
}

// Render executes a text template with the sprig function set.
func Render(name, content string, data Data) ([]byte, error) {
	tmpl, err := template.New(name).
		Funcs(sprig.TxtFuncMap()).
		Option("missingkey=error").
		Parse(content)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template: %w", err)
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, fmt.Errorf("failed to execute template: %w", err)
	}
	return buf.Bytes(), nil
}

// checksum calculates SHA256 checksum of data.
func checksum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}
