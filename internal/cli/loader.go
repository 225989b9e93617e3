package cli

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"

	"github.com/roach88/isocheck/internal/harness"
)

// LoadMode controls how errors are handled during scenario loading.
type LoadMode int

const (
	// LoadModeFailFast stops on the first error encountered.
	LoadModeFailFast LoadMode = iota
	// LoadModeCollectAll collects all errors before returning.
	LoadModeCollectAll
)

// LoadResult contains the scenarios loaded from a directory, in file
// name order.
type LoadResult struct {
	Scenarios []*harness.Scenario
	Files     []string // Files[i] is where Scenarios[i] came from
	FileCount int
}

// LoadError is a problem with the scenario directory or one of its files.
type LoadError struct {
	Code    string
	File    string
	Message string
}

func (e *LoadError) Error() string {
	if e.File != "" {
		return fmt.Sprintf("%s: %s: %s", e.File, e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error codes shared by the CLI commands.
const (
	ErrCodeGeneric  = "E001" // Generic/unknown error
	ErrCodeScan     = "E002" // Directory scan error
	ErrCodeNoFiles  = "E003" // No scenario files found
	ErrCodeNotFound = "E005" // Path not found
	ErrCodeConfig   = "E006" // Bad config file or flags

	ErrCodeSchema        = "E101" // File does not have the scenario shape
	ErrCodeInvalid       = "E102" // Bad references, values or variables
	ErrCodeDuplicateName = "E103" // Two files declare the same scenario name

	ErrCodeRunFailed = "E201" // A scenario could not be set up
	ErrCodeFailed    = "E202" // A scenario produced a failing verdict
)

// LoadScenarios loads every scenario file under dir. A nil result means
// the directory itself could not be used.
func LoadScenarios(dir string, mode LoadMode) (*LoadResult, []error) {
	info, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("scenarios directory not found: %s", dir)}}
	}
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing scenarios directory: %v", err)}}
	}
	if !info.IsDir() {
		return nil, []error{&LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("not a directory: %s", dir)}}
	}

	files, err := FindScenarioFiles(dir)
	if err != nil {
		return nil, []error{&LoadError{Code: ErrCodeScan, Message: fmt.Sprintf("error scanning directory: %v", err)}}
	}
	if len(files) == 0 {
		return nil, []error{&LoadError{Code: ErrCodeNoFiles, Message: fmt.Sprintf("no scenario files found in %s", dir)}}
	}

	result := &LoadResult{FileCount: len(files)}
	var errs []error
	names := make(map[string]string)
	for _, file := range files {
		sc, err := harness.LoadScenario(file)
		if err == nil {
			if prev, dup := names[sc.Name]; dup {
				err = &LoadError{Code: ErrCodeDuplicateName, File: file, Message: fmt.Sprintf("scenario %s is already declared in %s", sc.Name, prev)}
			}
		}
		if err != nil {
			errs = append(errs, convertScenarioError(file, err))
			if mode == LoadModeFailFast {
				return result, errs
			}
			continue
		}
		names[sc.Name] = file
		result.Scenarios = append(result.Scenarios, sc)
		result.Files = append(result.Files, file)
	}
	return result, errs
}

// FindScenarioFiles walks dir and returns every .yaml and .yml file,
// sorted.
func FindScenarioFiles(dir string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if ext := filepath.Ext(path); ext == ".yaml" || ext == ".yml" {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

func convertScenarioError(file string, err error) *LoadError {
	var le *LoadError
	if errors.As(err, &le) {
		return le
	}
	var se *harness.SchemaError
	if errors.As(err, &se) {
		return &LoadError{Code: ErrCodeSchema, File: file, Message: se.Details}
	}
	return &LoadError{Code: ErrCodeInvalid, File: file, Message: err.Error()}
}
