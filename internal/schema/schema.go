// Package schema locates the SAF-T (AO) XSD, validates documents against it
// and names the versioned output files of a repair run.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/jacoelho/xsd"
)

// FileName is the schema file searched for when no explicit path is given
const FileName = "SAFTAO1.01_01.xsd"

// EnvPath overrides the schema location
const EnvPath = "SAFTAO_XSD_PATH"

// Validator checks a serialized document against a schema
type Validator interface {
	Validate(data []byte) (bool, []string)
}

// Candidates returns the default search directories: the working directory,
// the executable directory, the project root above it and its schemas folder
func Candidates() []string {
	var dirs []string
	if wd, err := os.Getwd(); err == nil {
		dirs = append(dirs, wd)
	}
	if exe, err := os.Executable(); err == nil {
		dir := filepath.Dir(exe)
		root := filepath.Dir(dir)
		dirs = append(dirs, dir, root, filepath.Join(root, "schemas"))
	}
	return dirs
}

// Locate resolves the schema path. An explicit path (or SAFTAO_XSD_PATH)
// wins when it exists; otherwise FileName is searched in dirs. The empty
// string means no schema was found.
func Locate(explicit string, dirs []string) string {
	if explicit == "" {
		explicit = os.Getenv(EnvPath)
	}
	if explicit != "" {
		if fileExists(explicit) {
			return explicit
		}
		return ""
	}
	for _, dir := range dirs {
		candidate := filepath.Join(dir, FileName)
		if fileExists(candidate) {
			return candidate
		}
	}
	return ""
}

// XSD validates against a schema file loaded with github.com/jacoelho/xsd
type XSD struct {
	path   string
	schema interface{ Validate(io.Reader) error }
}

// Load compiles the schema at path
func Load(path string) (*XSD, error) {
	s, err := xsd.LoadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load schema %s: %w", path, err)
	}
	return &XSD{path: path, schema: s}, nil
}

// Path returns the schema location
func (x *XSD) Path() string {
	return x.path
}

// Validate reports whether data is valid. Errors are rendered one per
// line; an internal failure yields a single "XSD validation exception" line.
func (x *XSD) Validate(data []byte) (ok bool, errs []string) {
	defer func() {
		if r := recover(); r != nil {
			ok, errs = false, []string{fmt.Sprintf("XSD validation exception: %v", r)}
		}
	}()

	err := x.schema.Validate(bytes.NewReader(data))
	if err == nil {
		return true, nil
	}
	return false, Messages(err)
}

// Validate loads the schema at xsdPath and validates data against it
func Validate(data []byte, xsdPath string) (bool, []string) {
	x, err := Load(xsdPath)
	if err != nil {
		return false, []string{fmt.Sprintf("XSD validation exception: %v", err)}
	}
	return x.Validate(data)
}

// Messages flattens a validation error into one message per violation
func Messages(err error) []string {
	if err == nil {
		return nil
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, Messages(e)...)
		}
		if len(out) > 0 {
			return out
		}
	}
	var out []string
	for _, line := range strings.Split(err.Error(), "\n") {
		if line = strings.TrimSpace(line); line != "" {
			out = append(out, line)
		}
	}
	return out
}

// Truncate keeps at most limit messages and appends a summary line for the rest
func Truncate(errs []string, limit int) []string {
	if limit <= 0 || len(errs) <= limit {
		return errs
	}
	out := make([]string, 0, limit+1)
	out = append(out, errs[:limit]...)
	return append(out, fmt.Sprintf("(+%d erros adicionais)", len(errs)-limit))
}

var versionSuffix = regexp.MustCompile(`^(?P<base>.*)_v\.(?P<version>\d{2})(?:_invalido)?$`)

// Versioned holds the output names of one repair run
type Versioned struct {
	OK      string
	Invalid string
	Label   string
}

// NextVersionPaths picks the first free version for source in outputDir.
// A source already carrying _v.NN (optionally _invalido) continues at NN+1,
// anything else starts at 2. A version is taken when either file exists.
func NextVersionPaths(source, outputDir string) (Versioned, error) {
	base := filepath.Base(source)
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)
	if outputDir == "" {
		outputDir = filepath.Dir(source)
	}

	version := 2
	if m := versionSuffix.FindStringSubmatch(stem); m != nil {
		n, err := strconv.Atoi(m[2])
		if err != nil {
			return Versioned{}, fmt.Errorf("invalid version suffix in %s: %w", base, err)
		}
		version = max(n+1, 2)
		if m[1] != "" {
			stem = m[1]
		}
	}

	for ; version < 10000; version++ {
		suffix := fmt.Sprintf("_v.%02d", version)
		v := Versioned{
			OK:      filepath.Join(outputDir, stem+suffix+ext),
			Invalid: filepath.Join(outputDir, stem+suffix+"_invalido"+ext),
			Label:   strings.TrimPrefix(suffix, "_"),
		}
		if !fileExists(v.OK) && !fileExists(v.Invalid) {
			return v, nil
		}
	}
	return Versioned{}, fmt.Errorf("no free output version for %s in %s", base, outputDir)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
