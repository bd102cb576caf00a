package service

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	golibvirt "github.com/digitalocean/go-libvirt"
	evdev "github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jimyag/vfio-kvm/internal/vfiokvm/config"
	"github.com/jimyag/vfio-kvm/internal/vfiokvm/device"
	"github.com/jimyag/vfio-kvm/pkg/evdevx"
	"github.com/jimyag/vfio-kvm/pkg/libvirt"
)

// vmXML 构造一份请求 kbd 直通设备的最小 domain XML
func vmXML(name string) string {
	return fmt.Sprintf(`<domain type='kvm'>
  <name>%s</name>
  <memory unit='KiB'>4194304</memory>
  <devices>
    <input type='passthrough' bus='virtio'>
      <source evdev='/dev/input/by-id/%s-kbd'/>
    </input>
  </devices>
</domain>`, name, name)
}

// newTestService 创建使用假设备和临时符号链接目录的服务
func newTestService(t *testing.T, cfg *config.Config, opts ...Option) (*Service, *evdevx.MockOpener, string) {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
		cfg.QemuHotkey = []string{"KEY_LEFTCTRL", "KEY_RIGHTCTRL"}
		cfg.Hotkey = cfg.QemuHotkey
	}
	linkDir := t.TempDir()
	opener := evdevx.NewMockOpener()
	opener.AddDevice(filepath.Join(linkDir, "kbd"))
	opts = append([]Option{WithOpener(opener), WithLinkDir(linkDir)}, opts...)
	svc := New(cfg, opts...)
	t.Cleanup(svc.Stop)
	return svc, opener, linkDir
}

func TestPrepare_SingleVM(t *testing.T) {
	t.Parallel()

	svc, _, linkDir := newTestService(t, nil)
	require.True(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))

	st := svc.Status()
	assert.Equal(t, []string{"host device", "win10"}, st.Targets)
	assert.Equal(t, "host device", st.Target)
	require.Contains(t, st.Devices, filepath.Join(linkDir, "kbd"))
	assert.Equal(t, []string{"host", "win10"}, st.Devices[filepath.Join(linkDir, "kbd")])

	assert.FileExists(t, filepath.Join(linkDir, "host-kbd"))
	assert.FileExists(t, filepath.Join(linkDir, "win10-kbd"))
}

func TestToggle_CyclesThroughTargets(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	require.True(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))

	assert.Equal(t, device.VMKey("win10"), svc.Toggle())
	assert.Equal(t, device.HostKey(), svc.Toggle())
	assert.Equal(t, device.VMKey("win10"), svc.Toggle())

	// len(targets) 次 Toggle 回到原点
	before := svc.Target()
	svc.Toggle()
	svc.Toggle()
	assert.Equal(t, before, svc.Target())
}

func TestPrepare_InvalidXML(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	assert.False(t, svc.Prepare("win10", "prepare", "begin", "<domain><name>broken"))
	assert.Equal(t, []string{"host device"}, svc.Status().Targets)
}

func TestPrepare_MissingSourceDevice(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	// mouse 源设备没有注册，Prepare 失败，虚拟机不应启动
	assert.False(t, svc.Prepare("win10", "prepare", "begin", `<domain>
  <name>win10</name>
  <devices>
    <input type='passthrough'>
      <source evdev='/dev/input/by-id/win10-mouse'/>
    </input>
  </devices>
</domain>`))
}

func TestPrepare_DuplicateRejected(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	require.True(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))
	assert.False(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))
	assert.Equal(t, []string{"host device", "win10"}, svc.Status().Targets)
}

func TestRelease_UnmanagedVM(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	assert.False(t, svc.Release("ghost", "release", "end", vmXML("ghost")))
}

func TestRelease_InvalidXMLLeavesTargetsUnchanged(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	require.True(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))

	assert.False(t, svc.Release("win10", "release", "end", "<domain><name>broken"))
	assert.Equal(t, []string{"host device", "win10"}, svc.Status().Targets)
}

func TestPrepareRelease_RoundTrip(t *testing.T) {
	t.Parallel()

	svc, opener, linkDir := newTestService(t, nil)
	source := filepath.Join(linkDir, "kbd")

	require.True(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))
	require.True(t, svc.Release("win10", "release", "end", vmXML("win10")))

	st := svc.Status()
	assert.Equal(t, []string{"host device"}, st.Targets)
	assert.Equal(t, "host device", st.Target)
	assert.Empty(t, st.Devices)
	assert.Zero(t, svc.DeviceCount())
	assert.NoFileExists(t, filepath.Join(linkDir, "host-kbd"))
	assert.NoFileExists(t, filepath.Join(linkDir, "win10-kbd"))

	// 源设备已被关闭，之后仍可重新打开
	assert.True(t, opener.Device(source).Closed())
	require.NoError(t, opener.CheckDevice(source))
	dev, err := opener.OpenDevice(source)
	require.NoError(t, err)
	require.NoError(t, dev.Close())
}

func TestRelease_ActiveVMFallsBackToHost(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	require.True(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))
	svc.SetTarget(device.VMKey("win10"))
	require.Equal(t, device.VMKey("win10"), svc.Target())

	require.True(t, svc.Release("win10", "release", "end", vmXML("win10")))
	assert.Equal(t, device.HostKey(), svc.Target())
}

func TestTwoVMsShareADevice(t *testing.T) {
	t.Parallel()

	svc, _, linkDir := newTestService(t, nil)
	source := filepath.Join(linkDir, "kbd")

	require.True(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))
	require.True(t, svc.Prepare("mac", "prepare", "begin", vmXML("mac")))

	st := svc.Status()
	require.Len(t, st.Devices, 1)
	assert.Equal(t, []string{"host", "mac", "win10"}, st.Devices[source])
	for _, name := range []string{"host-kbd", "win10-kbd", "mac-kbd"} {
		assert.FileExists(t, filepath.Join(linkDir, name))
	}

	// 释放第一个虚拟机：设备和任务继续运行
	require.True(t, svc.Release("win10", "release", "end", vmXML("win10")))
	assert.Equal(t, 1, svc.DeviceCount())
	assert.NoFileExists(t, filepath.Join(linkDir, "win10-kbd"))
	assert.FileExists(t, filepath.Join(linkDir, "mac-kbd"))

	// 释放最后一个虚拟机：设备完全停止并从注册表删除
	require.True(t, svc.Release("mac", "release", "end", vmXML("mac")))
	assert.Zero(t, svc.DeviceCount())
	assert.NoFileExists(t, filepath.Join(linkDir, "host-kbd"))
}

func TestReleasedState(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	require.True(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))
	svc.SetTarget(device.VMKey("win10"))

	// released 状态下对外呈现宿主机，底层目标不变
	svc.ToggleReleased()
	assert.True(t, svc.Released())
	assert.Equal(t, device.HostKey(), svc.Target())
	assert.Equal(t, "", svc.TargetWire())
	assert.Equal(t, "host device", svc.Status().Target)

	svc.ToggleReleased()
	assert.False(t, svc.Released())
	assert.Equal(t, device.VMKey("win10"), svc.Target())
	assert.Equal(t, "win10", svc.TargetWire())
}

func TestSetTarget_EmitsChangeOnce(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	require.True(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))

	var changes []string
	svc.OnTargetChanged(func(display string) {
		changes = append(changes, display)
	})

	svc.SetTarget(device.VMKey("win10"))
	// 重复设置同一目标不再发事件，released 状态也不被清除
	svc.ToggleReleased()
	svc.SetTarget(device.VMKey("win10"))
	assert.True(t, svc.Released())
	assert.Equal(t, []string{"win10"}, changes)

	// 切到宿主机清除 released 并发事件
	svc.SetTarget(device.HostKey())
	assert.False(t, svc.Released())
	assert.Equal(t, []string{"win10", "host device"}, changes)
}

func TestSetTargetWire(t *testing.T) {
	t.Parallel()

	svc, _, _ := newTestService(t, nil)
	require.True(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))

	require.NoError(t, svc.SetTargetWire("win10"))
	assert.Equal(t, device.VMKey("win10"), svc.Target())

	require.NoError(t, svc.SetTargetWire(""))
	assert.Equal(t, device.HostKey(), svc.Target())

	assert.Error(t, svc.SetTargetWire("ghost"))
}

func TestRun_ResyncsRunningDomains(t *testing.T) {
	t.Parallel()

	lv := &libvirt.MockClient{}
	domains := []golibvirt.Domain{{Name: "win10"}, {Name: "plain"}}
	lv.On("ListRunningDomains").Return(domains, nil)
	lv.On("DomainXML", domains[0]).Return(vmXML("win10"), nil)
	// 没有直通设备的 domain 被跳过
	lv.On("DomainXML", domains[1]).Return("<domain><name>plain</name></domain>", nil)
	lv.On("Close").Return(nil)

	svc, _, linkDir := newTestService(t, nil, WithLibvirtClient(lv))

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	require.NoError(t, svc.Run(ctx))

	st := svc.Status()
	assert.Equal(t, []string{"host device", "win10"}, st.Targets)
	assert.FileExists(t, filepath.Join(linkDir, "win10-kbd"))
	lv.AssertExpectations(t)
}

func TestDirectSelectHotkeyEndToEnd(t *testing.T) {
	t.Parallel()

	cfg := &config.Config{
		QemuHotkey: []string{"KEY_LEFTCTRL", "KEY_RIGHTCTRL"},
		Hotkey:     []string{"KEY_LEFTCTRL", "KEY_RIGHTCTRL"},
		VM: map[string]config.VMOptions{
			"win10": {Hotkey: []string{"KEY_LEFTMETA"}},
		},
	}
	svc, opener, linkDir := newTestService(t, cfg)

	var changes []string
	svc.OnTargetChanged(func(display string) { changes = append(changes, display) })
	require.True(t, svc.Prepare("win10", "prepare", "begin", vmXML("win10")))

	// 在源设备上单独按下并抬起 LEFTMETA，目标切到 win10
	source := opener.Device(filepath.Join(linkDir, "kbd"))
	source.PushKey(evdev.KEY_LEFTMETA, 1)
	source.PushKey(evdev.KEY_LEFTMETA, 0)
	require.Eventually(t, func() bool {
		return svc.Target() == device.VMKey("win10")
	}, time.Second, time.Millisecond)
	assert.Equal(t, []string{"win10"}, changes)
}
