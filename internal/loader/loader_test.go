package loader

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"testing"

	"github.com/c2h5oh/datasize"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenserver/eliloader/internal/apierr"
	"github.com/xenserver/eliloader/internal/config"
	"github.com/xenserver/eliloader/internal/delegate"
	"github.com/xenserver/eliloader/internal/metadata"
	"github.com/xenserver/eliloader/internal/source"
	"github.com/xenserver/eliloader/internal/testutil"
)

const testVM = "4b7ba5ab-2b93-4d4f-9d1b-41e4d3b0b8b2"

var testArgv = []string{"--vm=" + testVM, "--args=console=hvc0", "/dev/xvdd"}

// copyMounter "mounts" a directory by copying it to the target.
type copyMounter struct {
	mounted map[string]bool
}

func (m *copyMounter) Mount(_ context.Context, src, target, _ string, readOnly bool) error {
	if !readOnly {
		return errors.New("expected read-only mount")
	}
	if err := os.CopyFS(target, os.DirFS(src)); err != nil {
		return err
	}
	m.mounted[target] = true
	return nil
}

func (m *copyMounter) Unmount(_ context.Context, target string) error {
	if !m.mounted[target] {
		return errors.Newf("%s: not mounted", target)
	}
	delete(m.mounted, target)
	entries, err := os.ReadDir(target)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(target, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// fakePatcher replaces every ramdisk with a fixed payload.
type fakePatcher struct {
	bootDir string
	calls   []string
	err     error
}

func (p *fakePatcher) TryPatch(_ context.Context, path string, _ int64) (string, error) {
	p.calls = append(p.calls, path)
	if p.err != nil {
		return "", p.err
	}
	out, err := os.CreateTemp(p.bootDir, "tweaked-initrd-")
	if err != nil {
		return "", err
	}
	defer out.Close()
	_, err = out.WriteString("patched ramdisk")
	return out.Name(), err
}

type execCall struct {
	path string
	argv []string
}

type env struct {
	loader  *Loader
	store   *metadata.MemoryStore
	out     *bytes.Buffer
	bootDir string
	repo    string // served tree root
	url     string // served tree URL
	runner  *testutil.FakeRunner
	mounter *copyMounter
	execs   []execCall
}

func newEnv(t *testing.T, rec metadata.VM) *env {
	t.Helper()

	e := &env{
		store:   metadata.NewMemoryStore(),
		out:     &bytes.Buffer{},
		bootDir: t.TempDir(),
		repo:    t.TempDir(),
		runner:  testutil.NewFakeRunner(),
		mounter: &copyMounter{mounted: map[string]bool{}},
	}
	e.store.Put(testVM, rec)

	srv := httptest.NewServer(http.FileServer(http.Dir(e.repo)))
	t.Cleanup(srv.Close)
	e.url = srv.URL

	cfg := config.Default()
	cfg.BootDir = e.bootDir
	cfg.ScratchDir = t.TempDir()

	e.loader = &Loader{
		Config: cfg,
		Store:  e.store,
		Resolver: &source.Resolver{
			CDMounter:  e.mounter,
			NFSMounter: e.mounter,
			ScratchDir: cfg.ScratchDir,
		},
		Delegate: e.runner,
		Exec: func(path string, argv, _ []string) error {
			e.execs = append(e.execs, execCall{path: path, argv: argv})
			return nil
		},
		Out:    e.out,
		Limits: cfg.DefaultLimits(),
	}
	return e
}

func (e *env) serve(t *testing.T, files map[string]string) {
	t.Helper()
	for name, content := range files {
		path := filepath.Join(e.repo, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func (e *env) run(t *testing.T, image string) error {
	t.Helper()
	return e.loader.Run(context.Background(), Invocation{
		VM:    testVM,
		Image: image,
		Args:  "console=hvc0 ",
		Argv:  testArgv,
	})
}

func (e *env) record(t *testing.T) metadata.VM {
	t.Helper()
	rec, ok := e.store.Get(testVM)
	require.True(t, ok)
	return rec
}

func bootDirEntries(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	names := []string{}
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

var specRe = regexp.MustCompile(`^linux \(kernel ([^)]+)\)\(ramdisk ([^)]+)\)\(args "(.*)"\)\n$`)

func TestStateFor(t *testing.T) {
	tests := []struct {
		round, rounds int
		want          State
	}{
		{1, 1, AwaitingRound1},
		{1, 2, AwaitingRound1},
		{2, 2, AwaitingRound2},
		{2, 1, Complete},
		{3, 2, Complete},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, StateFor(tt.round, tt.rounds), "round %d of %d", tt.round, tt.rounds)
	}
	assert.Equal(t, "awaiting round 2", AwaitingRound2.String())
}

func TestBootArgs(t *testing.T) {
	parse := func(m map[string]string) *config.InstallConfig {
		c, err := config.ParseInstallConfig(m)
		require.NoError(t, err)
		return c
	}

	tests := []struct {
		name  string
		cli   string
		repo  string
		other map[string]string
		want  string
	}{
		{"bare", "", "method=http://repo/", map[string]string{}, " method=http://repo/"},
		{"cli args", "console=hvc0 ", "", map[string]string{}, "console=hvc0  "},
		{"vnc", "", "", map[string]string{"install-vnc": "true", "install-vncpasswd": "secret"}, "  vnc vncpassword=secret"},
		{"vnc off", "", "", map[string]string{"install-vnc": "yes"}, " "},
		{"install args", "", " install=hd", map[string]string{"install-args": "text"}, "  install=hd text"},
		{"empty install args", "", "", map[string]string{"install-args": ""}, "  "},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, bootArgs(tt.cli, tt.repo, parse(tt.other)))
		})
	}
}

func TestRunRHELFirstRound(t *testing.T) {
	e := newEnv(t, metadata.VM{})
	e.serve(t, map[string]string{
		"centos/images/xen/vmlinuz":    "xen kernel",
		"centos/images/xen/initrd.img": "xen ramdisk",
	})
	e.store.Put(testVM, metadata.VM{OtherConfig: map[string]string{
		"install-repository": e.url + "/centos",
		"install-distro":     "rhlike",
	}})

	require.NoError(t, e.run(t, "/dev/xvdd"))

	m := specRe.FindStringSubmatch(e.out.String())
	require.NotNil(t, m, "unexpected boot spec %q", e.out.String())
	assert.Equal(t, e.bootDir, filepath.Dir(m[1]))
	assert.Regexp(t, `^vmlinuz-`, filepath.Base(m[1]))
	assert.Regexp(t, `^ramdisk-`, filepath.Base(m[2]))
	assert.Equal(t, "console=hvc0  method="+e.url+"/centos/", m[3])

	kernel, err := os.ReadFile(m[1])
	require.NoError(t, err)
	assert.Equal(t, "xen kernel", string(kernel))
	ramdisk, err := os.ReadFile(m[2])
	require.NoError(t, err)
	assert.Equal(t, "xen ramdisk", string(ramdisk))

	rec := e.record(t)
	assert.Equal(t, "2", rec.OtherConfig["install-round"])
	assert.Equal(t, "rhlike", rec.OtherConfig["install-distro"])
	assert.Empty(t, rec.Bootloader, "two round installs keep the loader")
}

func TestRunRHELFallsBackToIsolinux(t *testing.T) {
	e := newEnv(t, metadata.VM{})
	e.serve(t, map[string]string{
		"centos/isolinux/vmlinuz":    "isolinux kernel",
		"centos/isolinux/initrd.img": "isolinux ramdisk",
	})
	e.store.Put(testVM, metadata.VM{OtherConfig: map[string]string{
		"install-repository": e.url + "/centos/",
	}})

	require.NoError(t, e.run(t, "/dev/xvdd"))

	m := specRe.FindStringSubmatch(e.out.String())
	require.NotNil(t, m, "unexpected boot spec %q", e.out.String())
	kernel, err := os.ReadFile(m[1])
	require.NoError(t, err)
	assert.Equal(t, "isolinux kernel", string(kernel))
}

func TestRunPatchesRamdisk(t *testing.T) {
	e := newEnv(t, metadata.VM{})
	e.serve(t, map[string]string{
		"centos/images/xen/vmlinuz":    "kernel",
		"centos/images/xen/initrd.img": "vendor ramdisk",
	})
	e.store.Put(testVM, metadata.VM{OtherConfig: map[string]string{
		"install-repository": e.url + "/centos",
	}})
	p := &fakePatcher{bootDir: e.bootDir}
	e.loader.Patcher = p

	require.NoError(t, e.run(t, "/dev/xvdd"))

	m := specRe.FindStringSubmatch(e.out.String())
	require.NotNil(t, m)
	assert.Regexp(t, `^tweaked-initrd-`, filepath.Base(m[2]))
	data, err := os.ReadFile(m[2])
	require.NoError(t, err)
	assert.Equal(t, "patched ramdisk", string(data))

	// The vendor ramdisk was replaced.
	require.Len(t, p.calls, 1)
	assert.NoFileExists(t, p.calls[0])
	assert.Len(t, bootDirEntries(t, e.bootDir), 2)
}

func TestRunPatchFailureCleansUp(t *testing.T) {
	e := newEnv(t, metadata.VM{})
	e.serve(t, map[string]string{
		"centos/images/xen/vmlinuz":    "kernel",
		"centos/images/xen/initrd.img": "vendor ramdisk",
	})
	e.store.Put(testVM, metadata.VM{OtherConfig: map[string]string{
		"install-repository": e.url + "/centos",
	}})
	e.loader.Patcher = &fakePatcher{err: apierr.SupportPackageMissing("Dom0 does not contain a required file: x")}

	err := e.run(t, "/dev/xvdd")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeSupportPackageMissing, apierr.CodeOf(err))
	assert.Empty(t, bootDirEntries(t, e.bootDir))
	assert.Empty(t, e.out.String())
	assert.Equal(t, "rhlike", e.record(t).OtherConfig["install-distro"])
}

func TestRunSLESSkipsPatching(t *testing.T) {
	e := newEnv(t, metadata.VM{})
	e.serve(t, map[string]string{
		"sles/boot/x86_64/vmlinuz-xen": "kernel",
		"sles/boot/x86_64/initrd-xen":  "ramdisk",
	})
	e.store.Put(testVM, metadata.VM{OtherConfig: map[string]string{
		"install-repository": e.url + "/sles",
		"install-distro":     "sleslike",
		"install-arch":       "x86_64",
	}})
	p := &fakePatcher{bootDir: e.bootDir}
	e.loader.Patcher = p

	require.NoError(t, e.run(t, "/dev/xvdd"))

	m := specRe.FindStringSubmatch(e.out.String())
	require.NotNil(t, m)
	assert.Equal(t, "console=hvc0   install="+e.url+"/sles/", m[3])
	assert.Empty(t, p.calls)
	assert.Equal(t, "2", e.record(t).OtherConfig["install-round"])
}

func TestRunPygrubNetworkSwitchesBootloader(t *testing.T) {
	e := newEnv(t, metadata.VM{})
	e.serve(t, map[string]string{"tree/boot/vmlinuz": "kernel"})
	e.store.Put(testVM, metadata.VM{
		OtherConfig: map[string]string{
			"install-repository": e.url + "/tree",
			"install-distro":     "pygrub",
			"install-kernel":     "boot/vmlinuz",
			"install-vnc":        "1",
			"install-vncpasswd":  "pw",
			"install-args":       "quiet",
			"install-round":      "1",
		},
		Platform: map[string]string{
			"pv-kernel-max-size":              "33554432",
			"pv-postinstall-kernel-max-size":  "67108864",
			"pv-postinstall-ramdisk-max-size": "268435456",
		},
	})

	require.NoError(t, e.run(t, "/dev/xvdd"))

	re := regexp.MustCompile(`^linux \(kernel ([^)]+)\)\(args "(.*)"\)\n$`)
	m := re.FindStringSubmatch(e.out.String())
	require.NotNil(t, m, "unexpected boot spec %q", e.out.String())
	assert.Equal(t, "console=hvc0   vnc vncpassword=pw quiet", m[2])

	rec := e.record(t)
	assert.Equal(t, DelegateBootloader, rec.Bootloader)
	assert.Equal(t, map[string]string{
		"pv-kernel-max-size":  "67108864",
		"pv-ramdisk-max-size": "268435456",
	}, rec.Platform)
	assert.NotContains(t, rec.OtherConfig, "install-round")
	assert.NotContains(t, rec.OtherConfig, "install-distro")
	assert.Equal(t, e.url+"/tree", rec.OtherConfig["install-repository"])
}

func TestRunPygrubCDROMUsesDelegateOutput(t *testing.T) {
	e := newEnv(t, metadata.VM{})
	image := t.TempDir()
	e.store.Put(testVM, metadata.VM{
		OtherConfig: map[string]string{
			"install-repository": "cdrom",
			"install-distro":     "pygrub",
		},
		Disks: []metadata.Disk{
			{Ref: "OpaqueRef:vbd-cd", UserDevice: "3", Bootable: true},
			{Ref: "OpaqueRef:vbd-0", UserDevice: "0"},
		},
	})
	e.runner.On(delegate.Result{
		Stdout: `linux (kernel /var/run/xend/boot/boot_kernel.x)(ramdisk /var/run/xend/boot/boot_ramdisk.y)(args "ks=cdrom")`,
	}, testArgv...)

	require.NoError(t, e.run(t, image))

	assert.Equal(t,
		"linux (kernel /var/run/xend/boot/boot_kernel.x)(ramdisk /var/run/xend/boot/boot_ramdisk.y)(args \"console=hvc0  \")\n",
		e.out.String())
	assert.Empty(t, bootDirEntries(t, e.bootDir))
	assert.Empty(t, e.mounter.mounted, "CD released")

	rec := e.record(t)
	assert.Equal(t, []metadata.Disk{
		{Ref: "OpaqueRef:vbd-cd", UserDevice: "3", Bootable: false},
		{Ref: "OpaqueRef:vbd-0", UserDevice: "0", Bootable: true},
	}, rec.Disks)
	assert.Equal(t, DelegateBootloader, rec.Bootloader)
}

func TestRunRHELFromCDROM(t *testing.T) {
	e := newEnv(t, metadata.VM{})
	image := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(image, "images", "xen"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(image, "images", "xen", "vmlinuz"), []byte("cd kernel"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(image, "images", "xen", "initrd.img"), []byte("cd ramdisk"), 0o644))

	e.store.Put(testVM, metadata.VM{
		OtherConfig: map[string]string{"install-repository": "cdrom"},
		Disks:       []metadata.Disk{{Ref: "OpaqueRef:vbd-0", UserDevice: "0"}},
	})

	require.NoError(t, e.run(t, image))

	m := specRe.FindStringSubmatch(e.out.String())
	require.NotNil(t, m, "unexpected boot spec %q", e.out.String())
	assert.Equal(t, "console=hvc0  ", m[3])
	kernel, err := os.ReadFile(m[1])
	require.NoError(t, err)
	assert.Equal(t, "cd kernel", string(kernel))

	assert.Empty(t, e.mounter.mounted)
	assert.Empty(t, bootDirEntries(t, e.loader.Config.ScratchDir), "mount point removed")

	rec := e.record(t)
	assert.True(t, rec.Disks[0].Bootable)
	assert.Equal(t, "2", rec.OtherConfig["install-round"])
}

func TestRunFetchFailuresCleanUp(t *testing.T) {
	tests := []struct {
		name   string
		files  map[string]string
		limits config.Limits
		code   apierr.Code
	}{
		{
			name:   "kernel too large",
			files:  map[string]string{"r/images/xen/vmlinuz": "0123456789", "r/images/xen/initrd.img": "x"},
			limits: config.Limits{Kernel: 4 * datasize.B, Ramdisk: datasize.MB},
			code:   apierr.CodeLimits,
		},
		{
			name:   "ramdisk too large",
			files:  map[string]string{"r/images/xen/vmlinuz": "k", "r/images/xen/initrd.img": "0123456789"},
			limits: config.Limits{Kernel: datasize.MB, Ramdisk: 4 * datasize.B},
			code:   apierr.CodeLimits,
		},
		{
			name:   "ramdisk missing",
			files:  map[string]string{"r/images/xen/vmlinuz": "k"},
			limits: config.Limits{Kernel: datasize.MB, Ramdisk: datasize.MB},
			code:   apierr.CodeInvalidSource,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, metadata.VM{})
			e.serve(t, tt.files)
			e.store.Put(testVM, metadata.VM{OtherConfig: map[string]string{
				"install-repository": e.url + "/r",
			}})
			e.loader.Limits = tt.limits

			err := e.run(t, "/dev/xvdd")
			require.Error(t, err)
			assert.Equal(t, tt.code, apierr.CodeOf(err), "%+v", err)
			assert.Empty(t, bootDirEntries(t, e.bootDir))
			assert.Empty(t, e.out.String())
			assert.NotContains(t, e.record(t).OtherConfig, "install-round", "round not advanced")
		})
	}
}

func TestRunRejectsRepository(t *testing.T) {
	for _, repo := range []string{"", "smb://server/share", "/srv/tree"} {
		e := newEnv(t, metadata.VM{OtherConfig: map[string]string{"install-repository": repo}})
		err := e.run(t, "/dev/xvdd")
		require.Error(t, err)
		assert.Equal(t, apierr.CodeUnsupportedInstallMethod, apierr.CodeOf(err))
		assert.Equal(t,
			"other-config:install-repository was not set to an appropriate value, "+
				"and this is required for the selected distribution type.",
			apierr.Message(err))
	}
}

func TestRunUnknownDistro(t *testing.T) {
	e := newEnv(t, metadata.VM{OtherConfig: map[string]string{
		"install-repository": "cdrom",
		"install-distro":     "gentoo",
	}})
	err := e.run(t, "/dev/xvdd")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeUnsupportedInstallMethod, apierr.CodeOf(err))
	assert.Equal(t, "Distribution 'gentoo' is not supported.", apierr.Message(err))
}

func TestRunUnknownVM(t *testing.T) {
	e := newEnv(t, metadata.VM{})
	err := e.loader.Run(context.Background(), Invocation{VM: "00000000-0000-0000-0000-000000000000"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, metadata.ErrNotFound))
}

func TestRunNeverAdvance(t *testing.T) {
	e := newEnv(t, metadata.VM{})
	e.serve(t, map[string]string{"tree/vmlinuz": "kernel"})
	seed := metadata.VM{
		OtherConfig: map[string]string{
			"install-repository": e.url + "/tree",
			"install-distro":     "pygrub",
			"install-kernel":     "vmlinuz",
		},
		Platform: map[string]string{"pv-postinstall-kernel-max-size": "1"},
	}
	e.store.Put(testVM, seed)
	e.loader.Store = metadata.NeverAdvance(e.store)

	for i := 0; i < 2; i++ {
		e.out.Reset()
		require.NoError(t, e.run(t, "/dev/xvdd"))
		assert.Regexp(t, `^linux \(kernel `, e.out.String())
	}
	assert.Equal(t, seed.Clone(), e.record(t))
}

func TestRunSecondRoundRHEL(t *testing.T) {
	e := newEnv(t, metadata.VM{
		OtherConfig: map[string]string{
			"install-repository": "cdrom",
			"install-distro":     "rhlike",
			"install-round":      "2",
		},
		Platform: map[string]string{"pv-postinstall-ramdisk-max-size": "268435456"},
	})
	e.runner.On(delegate.Result{Stdout: "title: Oracle Linux Server (2.6.32-100.el5uek)\n" +
		"title: Oracle Linux Server (2.6.18-194.el5xen)\n"}, "-q", "-l", "/dev/xvda")

	require.NoError(t, e.run(t, "/dev/xvda"))

	require.Len(t, e.execs, 1)
	assert.Equal(t, "/usr/bin/pygrub", e.execs[0].path)
	assert.Equal(t, append([]string{"/usr/bin/pygrub", "--entry", "1"}, testArgv...), e.execs[0].argv)
	assert.Empty(t, e.out.String())

	rec := e.record(t)
	assert.Equal(t, "--entry 1", rec.BootloaderArgs)
	assert.Equal(t, DelegateBootloader, rec.Bootloader)
	assert.Equal(t, map[string]string{"pv-ramdisk-max-size": "268435456"}, rec.Platform)
	assert.Equal(t, map[string]string{"install-repository": "cdrom"}, rec.OtherConfig)
}

func TestRunSecondRoundSLES(t *testing.T) {
	tests := []struct {
		name     string
		script   func(r *testutil.FakeRunner)
		wantArgs []string
		wantBL   string
	}{
		{
			name: "menu present",
			script: func(r *testutil.FakeRunner) {
				r.On(delegate.Result{}, "-q", "-n", "/dev/xvda")
			},
			wantArgs: []string{"/usr/bin/pygrub"},
		},
		{
			name: "no bootable entry",
			script: func(r *testutil.FakeRunner) {
				r.On(delegate.Result{ExitCode: 1}, "-q", "-n", "/dev/xvda").
					On(delegate.Result{}, "-n", "--kernel", "/vmlinuz-xenpae", "--ramdisk", "/initrd-xenpae", "/dev/xvda")
			},
			wantArgs: []string{"/usr/bin/pygrub", "--kernel", "/vmlinuz-xenpae", "--ramdisk", "/initrd-xenpae"},
			wantBL:   "--kernel /vmlinuz-xenpae --ramdisk /initrd-xenpae",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv(t, metadata.VM{OtherConfig: map[string]string{
				"install-repository": "cdrom",
				"install-distro":     "sleslike",
				"install-round":      "2",
			}})
			tt.script(e.runner)

			require.NoError(t, e.run(t, "/dev/xvda"))

			require.Len(t, e.execs, 1)
			assert.Equal(t, append(tt.wantArgs, testArgv...), e.execs[0].argv)
			rec := e.record(t)
			assert.Equal(t, tt.wantBL, rec.BootloaderArgs)
			assert.Equal(t, DelegateBootloader, rec.Bootloader)
			assert.NotContains(t, rec.OtherConfig, "install-round")
		})
	}
}

func TestRunSecondRoundDelegateError(t *testing.T) {
	e := newEnv(t, metadata.VM{OtherConfig: map[string]string{
		"install-repository": "cdrom",
		"install-distro":     "sleslike",
		"install-round":      "2",
	}})
	e.runner.On(delegate.Result{ExitCode: 2, Stderr: "Traceback\nRuntimeError: Unable to find partition containing kernel\n"},
		"-q", "-n", "/dev/xvda")

	err := e.run(t, "/dev/xvda")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeInternal, apierr.CodeOf(err))
	assert.Equal(t, "Pygrub error (2): RuntimeError: Unable to find partition containing kernel", apierr.Message(err))
	assert.Empty(t, e.execs)
	assert.Equal(t, "2", e.record(t).OtherConfig["install-round"])
}

func TestRunSecondRoundWithoutDisambiguator(t *testing.T) {
	e := newEnv(t, metadata.VM{OtherConfig: map[string]string{
		"install-repository": "cdrom",
		"install-distro":     "debianlike",
		"install-round":      "2",
	}})

	err := e.run(t, "/dev/xvda")
	require.Error(t, err)
	assert.Equal(t, apierr.CodeUnsupportedInstallMethod, apierr.CodeOf(err))
	assert.Empty(t, e.execs)
}

func TestRunSecondRoundExecFailure(t *testing.T) {
	e := newEnv(t, metadata.VM{OtherConfig: map[string]string{
		"install-repository": "cdrom",
		"install-distro":     "sleslike",
		"install-round":      "2",
	}})
	e.runner.On(delegate.Result{}, "-q", "-n", "/dev/xvda")
	e.loader.Exec = func(string, []string, []string) error { return errors.New("exec format error") }

	err := e.run(t, "/dev/xvda")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exec format error")
}

func TestRunLaterRoundOnlyAdvances(t *testing.T) {
	e := newEnv(t, metadata.VM{OtherConfig: map[string]string{
		"install-repository": "cdrom",
		"install-distro":     "rhlike",
		"install-round":      "3",
	}})

	require.NoError(t, e.run(t, "/dev/xvda"))
	assert.Empty(t, e.out.String())
	assert.Empty(t, e.execs)
	assert.Equal(t, "4", e.record(t).OtherConfig["install-round"])
}

func TestRunUsesProxy(t *testing.T) {
	var (
		mu      sync.Mutex
		proxied []string
	)
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		proxied = append(proxied, r.Method+" "+r.URL.String())
		mu.Unlock()
		w.Write([]byte("via proxy"))
	}))
	defer proxy.Close()

	e := newEnv(t, metadata.VM{OtherConfig: map[string]string{
		"install-repository": "http://mirror.invalid/centos",
		"install-proxy":      proxy.URL,
	}})

	require.NoError(t, e.run(t, "/dev/xvdd"))
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{
		"HEAD http://mirror.invalid/centos/images/xen/vmlinuz",
		"GET http://mirror.invalid/centos/images/xen/vmlinuz",
		"GET http://mirror.invalid/centos/images/xen/initrd.img",
	}, proxied)
}
