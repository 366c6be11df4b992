package compiler

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/capsulehub/capsuled/pkg/blob"
	blobmem "github.com/capsulehub/capsuled/pkg/blob/memory"
	"github.com/capsulehub/capsuled/pkg/bundle"
	kvmem "github.com/capsulehub/capsuled/pkg/kvcache/memory"
	"github.com/capsulehub/capsuled/pkg/models"
	"github.com/capsulehub/capsuled/pkg/store"
)

type testEnv struct {
	store *store.GORMStore
	blobs *blobmem.MemoryStore
	cache *kvmem.MemoryCache
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	st, err := store.NewMemory()
	require.NoError(t, err)
	return &testEnv{store: st, blobs: blobmem.New(), cache: kvmem.New()}
}

func (e *testEnv) pipeline() *Pipeline {
	return NewPipeline(e.store, e.blobs, e.cache, nil, nil)
}

// seedArtifact creates a user, a capsule whose bundle files live in the
// blob store, and a draft artifact. Returns the artifact id.
func (e *testEnv) seedArtifact(t *testing.T, manifestJSON string, files map[string]string) string {
	t.Helper()
	ctx := context.Background()

	_, err := e.store.EnsureUser(ctx, &models.User{ID: "u1", Handle: "u1"})
	require.NoError(t, err)

	bundleFiles := []bundle.File{{Path: bundle.ManifestFileName, Data: []byte(manifestJSON)}}
	for path, content := range files {
		bundleFiles = append(bundleFiles, bundle.File{Path: path, Data: []byte(content)})
	}
	hash := bundle.ContentHash(bundleFiles)
	for _, f := range bundleFiles {
		require.NoError(t, e.blobs.Put(ctx, bundle.CapsuleKey(hash, f.Path), f.Data, map[string]string{
			blob.MetaSHA256: bundle.FileSHA256(f.Data),
		}))
	}

	capsule := &models.Capsule{ID: uuid.NewString(), OwnerID: "u1", ManifestJSON: manifestJSON, ContentHash: hash}
	require.NoError(t, e.store.CreateCapsule(ctx, capsule, nil))

	artifact := &models.Artifact{OwnerID: "u1", CapsuleID: capsule.ID, Status: string(models.ArtifactDraft)}
	_, err = e.store.CreateArtifact(ctx, artifact)
	require.NoError(t, err)
	return artifact.ID
}

const htmlManifest = `{"version":"1.0","runner":"client-static","entry":"index.html"}`
const jsxManifest = `{"version":"1.0","runner":"client-static","entry":"app.jsx"}`

func TestCompileHTML(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	artifactID := env.seedArtifact(t, htmlManifest, map[string]string{
		"index.html": `<html><body><script>evil()</script><p>hello</p></body></html>`,
	})

	result, err := env.pipeline().Compile(ctx, artifactID, "")
	require.NoError(t, err)
	assert.Equal(t, "html", result.RuntimeType)
	assert.Equal(t, 1, result.ManifestVersion)
	assert.Len(t, result.BundleDigest, 64)

	// Sanitized output landed at the bundle key.
	out, err := env.blobs.Get(ctx, BundleKey(artifactID))
	require.NoError(t, err)
	assert.NotContains(t, string(out), "<script")
	assert.Contains(t, string(out), "hello")

	// Runtime manifest written to canonical and alias keys, mirrored to KV.
	canonical, err := env.blobs.Get(ctx, RuntimeManifestKey(artifactID))
	require.NoError(t, err)
	alias, err := env.blobs.Get(ctx, RuntimeManifestAliasKey(artifactID))
	require.NoError(t, err)
	assert.Equal(t, canonical, alias)

	cached, err := env.cache.Get(ctx, CacheKey(artifactID))
	require.NoError(t, err)
	assert.Equal(t, canonical, cached)

	var rm RuntimeManifest
	require.NoError(t, json.Unmarshal(canonical, &rm))
	assert.Equal(t, artifactID, rm.ArtifactID)
	assert.Equal(t, BundleKey(artifactID), rm.Bundle.Key)
	assert.Equal(t, result.BundleDigest, rm.Bundle.Digest)

	// Draft promoted to active with the digest recorded.
	artifact, err := env.store.GetArtifact(ctx, artifactID)
	require.NoError(t, err)
	assert.Equal(t, string(models.ArtifactActive), artifact.Status)
	assert.Equal(t, result.BundleDigest, artifact.BundleDigest)
}

func TestCompileManifestVersionsAreDense(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	artifactID := env.seedArtifact(t, htmlManifest, map[string]string{
		"index.html": `<html><body>v</body></html>`,
	})

	p := env.pipeline()
	for want := 1; want <= 3; want++ {
		result, err := p.Compile(ctx, artifactID, "")
		require.NoError(t, err)
		assert.Equal(t, want, result.ManifestVersion)
	}

	manifests, err := env.store.ListArtifactManifests(ctx, artifactID)
	require.NoError(t, err)
	require.Len(t, manifests, 3)
}

func TestCompileJSX(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	artifactID := env.seedArtifact(t, jsxManifest, map[string]string{
		"app.jsx": `
			import { greeting } from "./util";
			export default function App() {
				return <h1>{greeting}</h1>;
			}
		`,
		"util.js": `export const greeting = "hi";`,
	})

	result, err := env.pipeline().Compile(ctx, artifactID, "")
	require.NoError(t, err)
	assert.Equal(t, "react-jsx", result.RuntimeType)

	out, err := env.blobs.Get(ctx, BundleKey(artifactID))
	require.NoError(t, err)
	// Automatic JSX leaves the runtime import external for the sandbox
	// loader's import map.
	assert.Contains(t, string(out), "react/jsx-runtime")
	assert.Contains(t, string(out), "hi")
}

func TestCompileRejectsUnsupportedImport(t *testing.T) {
	env := newTestEnv(t)
	artifactID := env.seedArtifact(t, jsxManifest, map[string]string{
		"app.jsx": `import leftPad from "left-pad"; export default () => <p>{leftPad("x", 3)}</p>;`,
	})

	_, err := env.pipeline().Compile(context.Background(), artifactID, "")
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeUnsupportedImport, cerr.Code)
	assert.Contains(t, cerr.Detail, "left-pad")
}

func TestCompileAllowsReactImports(t *testing.T) {
	env := newTestEnv(t)
	artifactID := env.seedArtifact(t, jsxManifest, map[string]string{
		"app.jsx": `
			import { useState } from "react";
			import { createRoot } from "react-dom/client";
			export default function App() {
				const [n] = useState(0);
				return <span>{n}</span>;
			}
		`,
	})

	_, err := env.pipeline().Compile(context.Background(), artifactID, "")
	require.NoError(t, err)
}

func TestCompileRejectsEmptySource(t *testing.T) {
	env := newTestEnv(t)
	artifactID := env.seedArtifact(t, jsxManifest, map[string]string{
		"app.jsx": "   \n\t",
	})

	_, err := env.pipeline().Compile(context.Background(), artifactID, "")
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeEmptySource, cerr.Code)
}

func TestCompileRejectsBrokenSyntax(t *testing.T) {
	env := newTestEnv(t)
	artifactID := env.seedArtifact(t, jsxManifest, map[string]string{
		"app.jsx": `export default function ( { return <; }`,
	})

	_, err := env.pipeline().Compile(context.Background(), artifactID, "")
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeBundlerError, cerr.Code)
}

func TestCompileExplicitTypeOverride(t *testing.T) {
	env := newTestEnv(t)
	artifactID := env.seedArtifact(t, jsxManifest, map[string]string{
		"app.jsx": `export default () => <p>x</p>;`,
	})

	_, err := env.pipeline().Compile(context.Background(), artifactID, "wasm")
	var cerr *CompileError
	require.ErrorAs(t, err, &cerr)
	assert.Equal(t, CodeUnsupportedRunner, cerr.Code)
}

func TestCoordinatorCompileAndInspect(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	artifactID := env.seedArtifact(t, htmlManifest, map[string]string{
		"index.html": `<html><body>ok</body></html>`,
	})

	coord := NewCoordinator(env.pipeline(), env.cache)
	started := coord.Compile(ctx, artifactID, "", "u1")
	assert.True(t, started)
	coord.Stop()

	state := coord.Inspect(ctx, artifactID)
	require.NotNil(t, state.LastRequest)
	require.NotNil(t, state.LastResult)
	assert.True(t, state.LastResult.Success)
	assert.False(t, state.InFlight)
	assert.Equal(t, artifactID, state.LastRequest.ArtifactID)
}

func TestCoordinatorInspectFallsBackToCache(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	artifactID := env.seedArtifact(t, htmlManifest, map[string]string{
		"index.html": `<html><body>ok</body></html>`,
	})

	first := NewCoordinator(env.pipeline(), env.cache)
	first.Compile(ctx, artifactID, "", "u1")
	first.Stop()

	// A fresh coordinator (new process) reads the persisted state.
	second := NewCoordinator(env.pipeline(), env.cache)
	state := second.Inspect(ctx, artifactID)
	require.NotNil(t, state.LastResult)
	assert.True(t, state.LastResult.Success)
}

func TestCoordinatorRecordsFailure(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	artifactID := env.seedArtifact(t, jsxManifest, map[string]string{
		"app.jsx": `import x from "not-allowed"; export default () => <p/>;`,
	})

	coord := NewCoordinator(env.pipeline(), env.cache)
	coord.Compile(ctx, artifactID, "", "u1")
	coord.Stop()

	state := coord.Inspect(ctx, artifactID)
	require.NotNil(t, state.LastResult)
	assert.False(t, state.LastResult.Success)
	assert.Equal(t, CodeUnsupportedImport, state.LastResult.ErrorCode)
}
