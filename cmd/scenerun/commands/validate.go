package commands

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/scenerun/scenerun/pkg/engine"
	"github.com/scenerun/scenerun/pkg/manifest"
)

type validationResult struct {
	Path       string   `json:"path"`
	Valid      bool     `json:"valid"`
	SceneRef   string   `json:"scene_ref,omitempty"`
	Version    string   `json:"version,omitempty"`
	Violations []string `json:"violations,omitempty"`
}

func newValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <manifest>...",
		Short: "Validate scene manifests",
		Long: `Validate scene manifests (YAML, JSON or CUE) without compiling or running them.

Every violation of every manifest is reported; the command fails when any
manifest is invalid.`,
		Example: `  # Validate one manifest
  scenerun validate scenes/order_create.yaml

  # Validate several, JSON output
  scenerun validate --json scenes/*.yaml`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			results := make([]validationResult, 0, len(args))
			invalid := 0
			for _, path := range args {
				res := validateManifest(path)
				if !res.Valid {
					invalid++
				}
				results = append(results, res)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, results); err != nil {
					return err
				}
			} else {
				for _, res := range results {
					if res.Valid {
						fmt.Fprintf(out, "OK    %s (%s@%s)\n", res.Path, res.SceneRef, res.Version)
						continue
					}
					fmt.Fprintf(out, "FAIL  %s\n", res.Path)
					for _, v := range res.Violations {
						fmt.Fprintf(out, "      - %s\n", v)
					}
				}
			}

			if invalid > 0 {
				return fmt.Errorf("%d of %d manifests invalid", invalid, len(args))
			}
			return nil
		},
	}
	return cmd
}

func validateManifest(path string) validationResult {
	res := validationResult{Path: path}
	scene, err := manifest.LoadFile(path)
	if err != nil {
		log.Debug().Err(err).Str("path", path).Msg("Manifest rejected")
		var ee *engine.EngineError
		if errors.As(err, &ee) && len(ee.Violations) > 0 {
			res.Violations = ee.Violations
		} else {
			res.Violations = []string{err.Error()}
		}
		return res
	}
	res.Valid = true
	res.SceneRef = scene.Ref()
	res.Version = scene.Version()
	return res
}
