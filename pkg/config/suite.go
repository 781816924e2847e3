package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/devicelab-dev/appium-orchestrator/pkg/core"
)

// SuiteTest is one test case entry in a suite file.
type SuiteTest struct {
	ID              string   `yaml:"id"`
	Name            string   `yaml:"name"`
	Timeout         Duration `yaml:"timeout"`
	ExpectedOutcome string   `yaml:"expectedOutcome"`
}

// Suite is an ordered collection of test cases (suite.yaml).
type Suite struct {
	Name  string      `yaml:"name"`
	Tests []SuiteTest `yaml:"tests"`
}

// LoadSuite reads and validates a suite file.
func LoadSuite(path string) (*Suite, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided suite file
	if err != nil {
		return nil, err
	}

	var suite Suite
	if err := yaml.Unmarshal(data, &suite); err != nil {
		return nil, err
	}
	if len(suite.Tests) == 0 {
		return nil, fmt.Errorf("suite %s defines no tests", path)
	}
	for i, t := range suite.Tests {
		if t.Name == "" {
			return nil, fmt.Errorf("suite %s: test %d has no name", path, i)
		}
	}
	return &suite, nil
}

// TestCases converts the suite entries to domain test cases, preserving
// their order.
func (s *Suite) TestCases() []core.TestCase {
	cases := make([]core.TestCase, 0, len(s.Tests))
	for _, t := range s.Tests {
		cases = append(cases, core.TestCase{
			ID:              t.ID,
			Name:            t.Name,
			Timeout:         t.Timeout.Std(),
			ExpectedOutcome: t.ExpectedOutcome,
		})
	}
	return cases
}
