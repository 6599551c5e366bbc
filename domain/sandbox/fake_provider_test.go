package sandbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"
)

// fakeProvider is an in-memory Provider used across the package tests.
type fakeProvider struct {
	mu sync.Mutex

	sandboxes map[string]*Info
	files     map[string][]byte // key: sandboxID + ":" + path
	dirs      map[string]bool
	snapshots map[string]*SnapshotInfo

	nextID int

	// Scripted behavior
	runCode           func(path string) (*Execution, error)
	runCommand        func(command string) (*Execution, error)
	createErr         error
	createFromSnapErr error

	// Counters
	createCalls         int
	createFromSnapCalls int
	startCalls          int
	stopCalls           int
	deleteCalls         int
	buildCalls          int
	deleteSnapshotCalls int
	runCodeCalls        int
	runCommandCalls     int
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		sandboxes: make(map[string]*Info),
		files:     make(map[string][]byte),
		dirs:      make(map[string]bool),
		snapshots: make(map[string]*SnapshotInfo),
	}
}

func (f *fakeProvider) newSandbox() *Info {
	f.nextID++
	info := &Info{
		SandboxID: fmt.Sprintf("sbx-%d", f.nextID),
		State:     StateStarted,
		CreatedAt: time.Now(),
	}
	f.sandboxes[info.SandboxID] = info
	return info
}

func (f *fakeProvider) CreateSandbox(ctx context.Context, req *CreateRequest) (*Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createCalls++
	if f.createErr != nil {
		return nil, f.createErr
	}
	return f.newSandbox(), nil
}

func (f *fakeProvider) CreateFromSnapshot(ctx context.Context, snapshotName string, req *CreateRequest) (*Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.createFromSnapCalls++
	if f.createFromSnapErr != nil {
		return nil, f.createFromSnapErr
	}
	if _, ok := f.snapshots[snapshotName]; !ok {
		return nil, fmt.Errorf("snapshot %s does not exist", snapshotName)
	}
	return f.newSandbox(), nil
}

func (f *fakeProvider) GetSandbox(ctx context.Context, sandboxID string) (*Info, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.sandboxes[sandboxID]
	if !ok {
		return nil, fmt.Errorf("sandbox %s not found", sandboxID)
	}
	copied := *info
	return &copied, nil
}

func (f *fakeProvider) StartSandbox(ctx context.Context, sandboxID string, timeout time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	info, ok := f.sandboxes[sandboxID]
	if !ok {
		return fmt.Errorf("sandbox %s not found", sandboxID)
	}
	info.State = StateStarted
	return nil
}

func (f *fakeProvider) StopSandbox(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopCalls++
	info, ok := f.sandboxes[sandboxID]
	if !ok {
		return fmt.Errorf("sandbox %s not found", sandboxID)
	}
	info.State = StateStopped
	return nil
}

func (f *fakeProvider) DeleteSandbox(ctx context.Context, sandboxID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteCalls++
	delete(f.sandboxes, sandboxID)
	return nil
}

func (f *fakeProvider) RunCode(ctx context.Context, sandboxID, path string, timeout time.Duration) (*Execution, error) {
	f.mu.Lock()
	f.runCodeCalls++
	hook := f.runCode
	f.mu.Unlock()
	if hook != nil {
		return hook(path)
	}
	return &Execution{ExitCode: 0, Stdout: "ok"}, nil
}

func (f *fakeProvider) RunCommand(ctx context.Context, sandboxID, command string, timeout time.Duration) (*Execution, error) {
	f.mu.Lock()
	f.runCommandCalls++
	hook := f.runCommand
	f.mu.Unlock()
	if hook != nil {
		return hook(command)
	}
	return &Execution{ExitCode: 0}, nil
}

func (f *fakeProvider) WriteFile(ctx context.Context, sandboxID, path string, content []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[sandboxID+":"+path] = content
	return nil
}

func (f *fakeProvider) ReadFile(ctx context.Context, sandboxID, path string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[sandboxID+":"+path]
	if !ok {
		return nil, fmt.Errorf("no such file: %s", path)
	}
	return content, nil
}

func (f *fakeProvider) MakeDir(ctx context.Context, sandboxID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs[sandboxID+":"+path] = true
	return nil
}

func (f *fakeProvider) RemovePath(ctx context.Context, sandboxID, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	prefix := sandboxID + ":" + path
	for key := range f.files {
		if key == prefix || strings.HasPrefix(key, prefix+"/") {
			delete(f.files, key)
		}
	}
	delete(f.dirs, prefix)
	return nil
}

func (f *fakeProvider) GetSnapshot(ctx context.Context, name string) (*SnapshotInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info, ok := f.snapshots[name]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	copied := *info
	return &copied, nil
}

func (f *fakeProvider) BuildSnapshot(ctx context.Context, name string, spec *ImageSpec) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.buildCalls++
	f.snapshots[name] = &SnapshotInfo{Name: name, Active: true, CreatedAt: time.Now()}
	return nil
}

func (f *fakeProvider) DeleteSnapshot(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleteSnapshotCalls++
	delete(f.snapshots, name)
	return nil
}

func (f *fakeProvider) Capabilities() *Capabilities {
	return &Capabilities{Name: "fake", SupportsSnapshots: true, SupportsStop: true}
}

// fileContent returns a sandbox file's content for assertions.
func (f *fakeProvider) fileContent(sandboxID, path string) (string, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	content, ok := f.files[sandboxID+":"+path]
	return string(content), ok
}
