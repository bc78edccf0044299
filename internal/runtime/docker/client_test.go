package docker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const containerID = "3f4e1c2b9a8d7e6f5a4b3c2d1e0f9a8b7c6d5e4f3a2b1c0d9e8f7a6b5c4d3e2f"

type fakeInspector struct {
	names    map[string]string
	inspects int
	pingErr  error
	closed   bool
}

func (f *fakeInspector) Ping(context.Context) (types.Ping, error) {
	return types.Ping{APIVersion: "1.45"}, f.pingErr
}

func (f *fakeInspector) ContainerInspect(_ context.Context, id string) (types.ContainerJSON, error) {
	f.inspects++
	name, ok := f.names[id]
	if !ok {
		return types.ContainerJSON{}, errors.New("No such container: " + id)
	}
	return types.ContainerJSON{ContainerJSONBase: &types.ContainerJSONBase{ID: id, Name: "/" + name}}, nil
}

func (f *fakeInspector) Close() error {
	f.closed = true
	return nil
}

func newTestResolver(t *testing.T, api *fakeInspector) (*Resolver, afero.Fs) {
	t.Helper()
	fs := afero.NewMemMapFs()
	return newResolver(api, fs, time.Second, zap.NewNop()), fs
}

func TestResolver_ContainerName(t *testing.T) {
	api := &fakeInspector{names: map[string]string{containerID: "trainer"}}
	r, fs := newTestResolver(t, api)

	cgroup := "0::/system.slice/docker-" + containerID + ".scope\n"
	require.NoError(t, afero.WriteFile(fs, "/proc/4321/cgroup", []byte(cgroup), 0o644))

	name, err := r.ContainerName(context.Background(), 4321)
	require.NoError(t, err)
	assert.Equal(t, "trainer", name)

	// Served from cache the second time.
	name, err = r.ContainerName(context.Background(), 4321)
	require.NoError(t, err)
	assert.Equal(t, "trainer", name)
	assert.Equal(t, 1, api.inspects)

	// Expired entries are looked up again.
	r.now = func() time.Time { return time.Now().Add(2 * nameTTL) }
	_, err = r.ContainerName(context.Background(), 4321)
	require.NoError(t, err)
	assert.Equal(t, 2, api.inspects)
}

func TestResolver_NotContainerized(t *testing.T) {
	r, fs := newTestResolver(t, &fakeInspector{})
	require.NoError(t, afero.WriteFile(fs, "/proc/1/cgroup", []byte("0::/init.scope\n"), 0o644))

	_, err := r.ContainerName(context.Background(), 1)
	assert.ErrorIs(t, err, ErrNotContainerized)
}

func TestResolver_Errors(t *testing.T) {
	api := &fakeInspector{names: map[string]string{}, pingErr: errors.New("connection refused")}
	r, fs := newTestResolver(t, api)

	_, err := r.ContainerName(context.Background(), 99)
	assert.Error(t, err, "missing cgroup file")

	cgroup := "12:memory:/docker/" + containerID + "\n"
	require.NoError(t, afero.WriteFile(fs, "/proc/99/cgroup", []byte(cgroup), 0o644))
	_, err = r.ContainerName(context.Background(), 99)
	assert.ErrorContains(t, err, "3f4e1c2b9a8d")

	assert.Error(t, r.Check(context.Background()))
	require.NoError(t, r.Close())
	assert.True(t, api.closed)
}

func TestParseCgroup(t *testing.T) {
	tests := []struct {
		name   string
		cgroup string
		want   string
	}{
		{
			name:   "cgroup v1 docker",
			cgroup: "12:pids:/docker/" + containerID + "\n11:memory:/docker/" + containerID,
			want:   containerID,
		},
		{
			name:   "cgroup v2 systemd scope",
			cgroup: "0::/system.slice/docker-" + containerID + ".scope",
			want:   containerID,
		},
		{
			name:   "containerd",
			cgroup: "0::/kubepods/burstable/podabc/cri-containerd-ABCDEF0123456789.scope",
			want:   "abcdef0123456789",
		},
		{
			name:   "host process",
			cgroup: "0::/user.slice/user-1000.slice/session-2.scope",
			want:   "",
		},
		{
			name:   "malformed",
			cgroup: "garbage",
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, parseCgroup(tt.cgroup))
		})
	}
}
