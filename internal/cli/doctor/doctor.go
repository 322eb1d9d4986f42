// Package doctor runs offline checks over an odm project: configuration, mapping files
// and the selected database.
package doctor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/deicod/odm/internal/odm/driver"
	"github.com/deicod/odm/internal/odm/mapping"
)

// Result captures the outcome of a single diagnostic check.
type Result struct {
	Name    string
	Status  Status
	Details string
}

type Status string

const (
	StatusOK    Status = "ok"
	StatusWarn  Status = "warn"
	StatusError Status = "error"
)

// Project describes what the checks inspect. ConfigErr carries a failure to read
// odm.yaml, since the caller parses it.
type Project struct {
	Root        string
	ConfigErr   error
	MappingDir  string
	Driver      string
	DatabaseURL string
	Profile     string
}

type check func(context.Context, Project) Result

var checks = []check{
	checkConfig,
	checkMappings,
	checkDatabase,
	checkModule,
}

// Run executes every check in order.
func Run(ctx context.Context, p Project) []Result {
	results := make([]Result, 0, len(checks))
	for _, c := range checks {
		results = append(results, c(ctx, p))
	}
	return results
}

// HasFailures reports whether any result is an error.
func HasFailures(results []Result) bool {
	for _, res := range results {
		if res.Status == StatusError {
			return true
		}
	}
	return false
}

func checkConfig(_ context.Context, p Project) Result {
	const name = "odm.yaml"
	if p.ConfigErr != nil {
		return Result{Name: name, Status: StatusError, Details: p.ConfigErr.Error()}
	}
	info, err := os.Stat(filepath.Join(p.Root, name))
	switch {
	case err == nil && info.IsDir():
		return Result{Name: name, Status: StatusError, Details: "expected file but found directory"}
	case err == nil:
		return Result{Name: name, Status: StatusOK}
	case errors.Is(err, os.ErrNotExist):
		return Result{Name: name, Status: StatusWarn, Details: "config missing; defaults apply"}
	default:
		return Result{Name: name, Status: StatusError, Details: err.Error()}
	}
}

func checkMappings(ctx context.Context, p Project) Result {
	const name = "mapping files"
	d, err := driver.OpenYAMLDir(p.MappingDir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{Name: name, Status: StatusWarn, Details: fmt.Sprintf("%s does not exist", p.MappingDir)}
		}
		return Result{Name: name, Status: StatusError, Details: err.Error()}
	}
	classes, err := mapping.NewFactory(d).AllMetadata(ctx)
	if err != nil {
		return Result{Name: name, Status: StatusError, Details: firstLine(err.Error())}
	}
	if len(classes) == 0 {
		return Result{Name: name, Status: StatusWarn, Details: fmt.Sprintf("no *%s files in %s", driver.MappingFileSuffix, p.MappingDir)}
	}
	return Result{Name: name, Status: StatusOK, Details: fmt.Sprintf("%d classes", len(classes))}
}

func checkDatabase(_ context.Context, p Project) Result {
	name := "database (" + p.Profile + ")"
	if p.DatabaseURL == "" {
		return Result{Name: name, Status: StatusWarn, Details: "no url; set database.url or ODM_DATABASE_URL"}
	}
	if p.Driver == "sqlite" {
		dir := filepath.Dir(strings.TrimPrefix(strings.TrimPrefix(p.DatabaseURL, "sqlite://"), "sqlite:"))
		if info, err := os.Stat(dir); err != nil || !info.IsDir() {
			return Result{Name: name, Status: StatusError, Details: fmt.Sprintf("directory %s does not exist", dir)}
		}
	}
	return Result{Name: name, Status: StatusOK, Details: p.Driver}
}

func checkModule(_ context.Context, p Project) Result {
	const name = "go.mod"
	data, err := os.ReadFile(filepath.Join(p.Root, "go.mod"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{Name: name, Status: StatusWarn, Details: "missing go.mod; run 'go mod init'"}
		}
		return Result{Name: name, Status: StatusError, Details: err.Error()}
	}
	if p.Driver == "postgres" && !strings.Contains(string(data), "github.com/jackc/pgx/v5") {
		return Result{Name: name, Status: StatusWarn, Details: "module does not require github.com/jackc/pgx/v5"}
	}
	return Result{Name: name, Status: StatusOK}
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
