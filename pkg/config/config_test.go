package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/scmfs/scmfs/pkg/config"
	"github.com/scmfs/scmfs/pkg/mount"
	"github.com/stretchr/testify/require"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func writeConfig(t *testing.T, contents string) string {
	path := filepath.Join(t.TempDir(), "scmfsd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoad(t *testing.T) {
	t.Run("DefaultsApplyToUnsetKeys", func(t *testing.T) {
		c, err := config.Load(writeConfig(t, `
numFuseThreads: 4
mounts:
  - name: repo
    mountPath: /mnt/repo
    clientPath: /var/lib/scmfsd/clients/repo
    parent: main
`))
		require.NoError(t, err)
		require.Equal(t, 4, c.NumFuseThreads)
		require.Equal(t, 60*time.Second, c.GetFuseRequestTimeout())
		require.Equal(t, int64(1000), c.MaximumInFlightRequests)
		require.True(t, c.WriteBackCacheEnabled)
		policy, err := c.GetCheckoutFailurePolicy()
		require.NoError(t, err)
		require.Equal(t, mount.CheckoutFailurePreserve, policy)
		require.Len(t, c.Mounts, 1)
		require.Equal(t, "repo", c.Mounts[0].Name)
	})

	t.Run("ExplicitValuesOverrideDefaults", func(t *testing.T) {
		c, err := config.Load(writeConfig(t, `
fuseRequestTimeout: 1m30s
writeBackCacheEnabled: false
checkoutFailurePolicy: reset
`))
		require.NoError(t, err)
		require.Equal(t, 90*time.Second, c.GetFuseRequestTimeout())
		require.False(t, c.WriteBackCacheEnabled)
		policy, err := c.GetCheckoutFailurePolicy()
		require.NoError(t, err)
		require.Equal(t, mount.CheckoutFailureReset, policy)
	})

	t.Run("EmptyTimeoutDisablesIt", func(t *testing.T) {
		c, err := config.Load(writeConfig(t, `fuseRequestTimeout: ""`))
		require.NoError(t, err)
		require.Equal(t, time.Duration(0), c.GetFuseRequestTimeout())
	})

	t.Run("InvalidValuesAreRejected", func(t *testing.T) {
		for name, contents := range map[string]string{
			"BadDuration":     `fuseRequestTimeout: soon`,
			"NegativeThreads": `numFuseThreads: -1`,
			"UnknownPolicy":   `checkoutFailurePolicy: retry`,
			"NamelessMount": `
mounts:
  - mountPath: /mnt/repo
    clientPath: /var/lib/scmfsd/clients/repo
`,
			"DuplicateMountName": `
mounts:
  - {name: repo, mountPath: /mnt/a, clientPath: /var/a}
  - {name: repo, mountPath: /mnt/b, clientPath: /var/b}
`,
		} {
			t.Run(name, func(t *testing.T) {
				_, err := config.Load(writeConfig(t, contents))
				require.Equal(t, codes.InvalidArgument, status.Code(err))
			})
		}
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
		require.Equal(t, codes.InvalidArgument, status.Code(err))
	})
}

func TestReloadable(t *testing.T) {
	path := writeConfig(t, `numFuseThreads: 2`)
	r, err := config.NewReloadable(path)
	require.NoError(t, err)
	require.Equal(t, 2, r.Get().NumFuseThreads)

	t.Run("ReloadPicksUpChanges", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`numFuseThreads: 8`), 0o644))
		require.NoError(t, r.Reload())
		require.Equal(t, 8, r.Get().NumFuseThreads)
	})

	t.Run("FailedReloadKeepsPrevious", func(t *testing.T) {
		require.NoError(t, os.WriteFile(path, []byte(`numFuseThreads: -5`), 0o644))
		err := r.Reload()
		require.Equal(t, codes.InvalidArgument, status.Code(err))
		require.Equal(t, 8, r.Get().NumFuseThreads)
	})
}
