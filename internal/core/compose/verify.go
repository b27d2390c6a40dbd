package compose

import (
	"context"
	"strings"

	"github.com/compose-spec/compose-go/v2/loader"
	"github.com/compose-spec/compose-go/v2/types"
	"gopkg.in/yaml.v3"
)

// VerifyDocument loads a fully resolved compose document with compose-go and
// returns the loaded project. It is used to check that what stacker renders
// is a document other compose tooling accepts.
// The document must not contain interpolation tokens: interpolation is
// skipped so that compose-go never consults the process environment.
func VerifyDocument(projectName string, content []byte) (*types.Project, error) {
	if strings.TrimSpace(string(content)) == "" {
		return nil, ErrEmptyInput
	}

	var dict map[string]interface{}
	if err := yaml.Unmarshal(content, &dict); err != nil || dict == nil {
		return nil, NewParseError("", "invalid YAML syntax", ErrInvalidYAML)
	}

	project, err := loader.LoadWithContext(context.Background(), types.ConfigDetails{
		ConfigFiles: []types.ConfigFile{
			{
				Content: content,
				Config:  dict,
			},
		},
	}, func(opts *loader.Options) {
		opts.SetProjectName(projectName, true)
		opts.SkipValidation = false
		opts.SkipInterpolation = true
		opts.SkipNormalization = true
		opts.SkipExtends = true
	})
	if err != nil {
		return nil, NewParseError("", err.Error(), ErrInvalidDocument)
	}

	return project, nil
}
