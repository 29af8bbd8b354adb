package protocol

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorClassification(t *testing.T) {
	t.Run("method not found by code", func(t *testing.T) {
		err := NewCallError(MethodBuildStatus, CodeMethodNotFound, "no such method")
		assert.True(t, IsUnsupported(err))
		assert.False(t, IsCancelled(err))
		assert.False(t, IsTargetRequired(err))
	})

	t.Run("method not found by legacy text", func(t *testing.T) {
		err := NewCallError(MethodBuildStatus, "", "Method not found: nova/buildStatus")
		assert.True(t, IsUnsupported(err))
	})

	t.Run("cancellation from context", func(t *testing.T) {
		assert.True(t, IsCancelled(context.Canceled))
		assert.True(t, IsCancelled(fmt.Errorf("call aborted: %w", context.Canceled)))
		assert.True(t, IsCancelled(context.DeadlineExceeded))
	})

	t.Run("cancellation from request layer", func(t *testing.T) {
		err := NewCallError(MethodBuildProject, CodeCancelled, "request cancelled")
		assert.True(t, IsCancelled(err))
		assert.False(t, IsUnsupported(err))
	})

	t.Run("target required by code", func(t *testing.T) {
		err := NewCallError(MethodBuildProject, CodeTargetRequired, "a target is needed")
		assert.True(t, IsTargetRequired(err))
	})

	t.Run("target required by legacy message", func(t *testing.T) {
		err := NewCallError(MethodBuildProject, CodeInvalidParams, "`target` must be provided for Bazel projects")
		assert.True(t, IsTargetRequired(err))
	})

	t.Run("transient errors match nothing", func(t *testing.T) {
		err := WrapCallError(MethodBuildStatus, errors.New("connection refused"))
		assert.False(t, IsUnsupported(err))
		assert.False(t, IsCancelled(err))
		assert.False(t, IsTargetRequired(err))
	})

	t.Run("wrapped call errors stay classifiable", func(t *testing.T) {
		inner := NewCallError(MethodBuildProject, CodeTargetRequired, "needs target")
		wrapped := fmt.Errorf("submit: %w", inner)
		require.True(t, IsTargetRequired(wrapped))
	})
}

func TestModelUnitLabel(t *testing.T) {
	assert.Equal(t, "//java/app:lib", ModelUnit{Kind: "bazel", Target: "//java/app:lib"}.Label())
	assert.Equal(t, ":app", ModelUnit{Kind: "gradle", ProjectPath: ":app"}.Label())
	assert.Equal(t, "module-a", ModelUnit{Kind: "maven", Module: "module-a"}.Label())
}

func TestProjectParamsHasScope(t *testing.T) {
	assert.False(t, ProjectParams{ProjectRoot: "/w"}.HasScope())
	assert.True(t, ProjectParams{ProjectRoot: "/w", Target: "//a:b"}.HasScope())
	assert.True(t, ProjectParams{ProjectRoot: "/w", Module: "core"}.HasScope())
	assert.True(t, ProjectParams{ProjectRoot: "/w", ProjectPath: ":app"}.HasScope())
}
