package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v3"

	"dealflow/condition"
	"dealflow/domainerr"
	"dealflow/transaction"
	"dealflow/workflow"
)

const (
	seedDefinition = "../../seed/resale-purchase.yaml"
	seedTemplates  = "../../seed/templates.yaml"
)

func run(t *testing.T, args ...string) error {
	t.Helper()
	return runWith(t, newRootCommand(), args...)
}

func runWith(t *testing.T, root *cli.Command, args ...string) error {
	t.Helper()
	full := append([]string{"dealflow", "--database-url", memoryURL, "--log-level", "error"}, args...)
	return root.Run(context.Background(), full)
}

func TestImportSeedDocuments(t *testing.T) {
	require.NoError(t, run(t, "import-definition", seedDefinition))
	require.NoError(t, run(t, "import-templates", seedTemplates))
}

func TestImportRequiresFileArgument(t *testing.T) {
	assert.ErrorContains(t, run(t, "import-definition"), "file argument is required")
	assert.ErrorContains(t, run(t, "import-templates"), "file argument is required")
}

func TestImportDefinitionRejectsInvalidDocument(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
name: Broken
steps:
  - order: 1
    key: first
    name: First
  - order: 3
    key: third
    name: Third
`), 0o600))

	err := run(t, "import-definition", path)
	require.Error(t, err)
	assert.Equal(t, domainerr.CodeValidationFailed, domainerr.CodeOf(err))
}

func TestMigrateNeedsPostgres(t *testing.T) {
	assert.ErrorContains(t, run(t, "migrate"), "postgres")
}

func TestServeRequiresJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "")
	assert.ErrorContains(t, run(t, "serve"), "jwt-secret")
}

func TestNewMailer(t *testing.T) {
	b, err := openBackend(context.Background(), memoryURL)
	require.NoError(t, err)
	assert.True(t, b.inMemory())

	for _, kind := range []string{"", "log", "outbox"} {
		m, err := newMailer(kind, b)
		require.NoError(t, err, kind)
		assert.NotNil(t, m)
	}
	_, err = newMailer("pigeon", b)
	assert.Error(t, err)
}

func TestRuntimeRunsSeedWorkflow(t *testing.T) {
	def, err := workflow.LoadFile(seedDefinition)
	require.NoError(t, err)
	templates, err := condition.LoadTemplatesFile(seedTemplates)
	require.NoError(t, err)

	root := newRootCommand()
	root.Commands = append(root.Commands, &cli.Command{
		Name: "exercise",
		Action: func(ctx context.Context, command *cli.Command) error {
			rt, err := newRuntime(ctx, command)
			require.NoError(t, err)
			defer rt.Close()

			stored, err := rt.provider.Import(ctx, def)
			require.NoError(t, err)
			_, err = rt.catalog.Import(ctx, templates)
			require.NoError(t, err)

			created, err := rt.machine.CreateFromDefinition(ctx, transaction.CreateParams{
				DefinitionID: stored.ID,
				Title:        "24 chemin du Lac",
				Profile:      condition.Profile{IsFinanced: true},
				ActorID:      "agent-1",
			})
			require.NoError(t, err)
			assert.Empty(t, created.Created)

			entered, err := rt.machine.Advance(ctx, created.Transaction.ID, "agent-1")
			require.NoError(t, err)
			assert.GreaterOrEqual(t, len(entered.Created), 2)

			_, err = rt.machine.Advance(ctx, created.Transaction.ID, "agent-1")
			assert.Equal(t, domainerr.CodeBlockingConditions, domainerr.CodeOf(err))
			return nil
		},
	})
	require.NoError(t, runWith(t, root, "--require-evidence", "exercise"))
}
