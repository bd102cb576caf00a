// Package device 实现单个源设备的复制引擎
// 对每个共享的物理输入设备：独占抓取源设备，为宿主机和每个虚拟机
// 合成 uinput 虚拟设备，并把每个输入事件路由到当前活动目标的 sink
package device

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	evdev "github.com/holoplot/go-evdev"
	"github.com/rs/zerolog/log"

	"github.com/jimyag/vfio-kvm/pkg/evdevx"
	"github.com/jimyag/vfio-kvm/pkg/hotkey"
)

const (
	// grabRetryInterval 是源设备抓取失败后的重试间隔
	// 源设备可能短暂被 X server 或 logind 持有
	grabRetryInterval = 5 * time.Second
	// drainDelay 是热键生效前的等待时间
	// 需要等内核把队列中的事件送达 guest 之后才能切换焦点
	drainDelay = 100 * time.Millisecond

	// defaultLinkDir 是 sink 符号链接的发布目录
	defaultLinkDir = "/dev/input/by-id"
)

// Manager 是复制设备对服务注册表的回调
// 锁顺序约定：服务锁先于设备锁。实现方法会在服务锁内调用设备的 Grab，
// 因此设备调用这些方法时不持有设备锁
type Manager interface {
	// Target 返回当前生效的目标，released 状态下返回宿主机
	Target() SinkKey
	// SetTarget 把目标切到指定的 sink
	SetTarget(key SinkKey)
	// Toggle 把目标推进到环中的下一个，返回新的生效目标
	Toggle() SinkKey
	// ToggleReleased 翻转 released 状态
	ToggleReleased()
}

// Options 是复制设备的不可变配置
type Options struct {
	// CycleHotkey 循环切换目标的热键
	CycleHotkey hotkey.Hotkey
	// QemuHotkey 目标切换后向活动 sink 重放的 QEMU 抓取热键
	QemuHotkey hotkey.Hotkey
	// ReleaseHotkey 临时把输入交还宿主机的热键
	ReleaseHotkey hotkey.Hotkey
	// HostHotkey 直接选择宿主机的热键
	HostHotkey hotkey.Hotkey
	// LinkDir 符号链接发布目录，空值使用 /dev/input/by-id
	LinkDir string
}

// ReplicatedDevice 管理一个真实源设备和它的虚拟副本
// 持有源设备的独占抓取，事件只会被转发到当前活动目标对应的 sink
type ReplicatedDevice struct {
	name       string
	sourcePath string
	manager    Manager
	opener     evdevx.Opener
	opts       Options
	linkDir    string

	mu      sync.Mutex
	source  evdevx.Device
	sinks   map[SinkKey]evdevx.Sink
	hotkeys map[hotkey.Hotkey]SinkKey
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New 创建复制设备
// 源路径必须是已存在的字符设备，否则返回 evdevx.ErrNotADevice
// 此时还不会打开或抓取源设备
func New(sourcePath string, manager Manager, opener evdevx.Opener, opts Options) (*ReplicatedDevice, error) {
	if err := opener.CheckDevice(sourcePath); err != nil {
		return nil, err
	}
	if opts.LinkDir == "" {
		opts.LinkDir = defaultLinkDir
	}
	d := &ReplicatedDevice{
		name:       filepath.Base(sourcePath),
		sourcePath: sourcePath,
		manager:    manager,
		opener:     opener,
		opts:       opts,
		linkDir:    opts.LinkDir,
		sinks:      make(map[SinkKey]evdevx.Sink),
		hotkeys:    make(map[hotkey.Hotkey]SinkKey),
	}
	if !opts.HostHotkey.Empty() {
		d.hotkeys[opts.HostHotkey] = HostKey()
	}
	return d, nil
}

// Name 返回设备 ID，即源路径的最后一段
func (d *ReplicatedDevice) Name() string {
	return d.name
}

// SourcePath 返回源设备路径
func (d *ReplicatedDevice) SourcePath() string {
	return d.sourcePath
}

// Add 为虚拟机创建一个 sink
// 第一次调用时打开源设备、创建宿主机 sink 并启动后台任务
func (d *ReplicatedDevice) Add(vmName string, guestHotkey hotkey.Hotkey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !guestHotkey.Empty() {
		d.hotkeys[guestHotkey] = VMKey(vmName)
		log.Debug().Str("vm", vmName).Msg("Adding direct select hotkey for VM")
	}
	if err := d.startLocked(); err != nil {
		return err
	}
	return d.createSinkLocked(VMKey(vmName))
}

// Remove 销毁虚拟机的 sink
// 只剩宿主机 sink 时整个设备停止，源设备被释放
func (d *ReplicatedDevice) Remove(vmName string, guestHotkey hotkey.Hotkey) {
	d.mu.Lock()
	d.destroySinkLocked(VMKey(vmName))
	if !guestHotkey.Empty() {
		delete(d.hotkeys, guestHotkey)
	}
	last := len(d.sinks) == 1
	d.mu.Unlock()
	if last {
		d.Stop()
	}
}

// Grab 在目标切换后重新同步活动 sink 的抓取状态
// 先用抓取加释放探测 sink：失败说明 QEMU 已持有，直接返回；
// 成功则向 sink 重放一次 QEMU 抓取热键的按下和抬起，
// 让 guest 的输入线程重新获取虚拟设备
func (d *ReplicatedDevice) Grab(target SinkKey) {
	if target.IsHost() {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	sink, ok := d.sinks[target]
	if !ok {
		return
	}
	if err := sink.Grab(); err != nil {
		return
	}
	_ = sink.Ungrab()
	log.Debug().Str("path", d.linkPath(target)).Msg("Grabbing device")
	for _, value := range []int32{1, 0} {
		for _, code := range d.opts.QemuHotkey.Codes() {
			_ = sink.WriteOne(&evdev.InputEvent{Type: evdev.EV_KEY, Code: code, Value: value})
		}
	}
	_ = sink.WriteOne(synEvent())
}

// Stop 取消后台任务、销毁所有 sink 并释放源设备
// 任务结束之后才销毁 sink，保证不会向已关闭的 sink 写入
func (d *ReplicatedDevice) Stop() {
	d.mu.Lock()
	cancel := d.cancel
	d.cancel = nil
	source := d.source
	d.source = nil
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if source != nil {
		if err := source.Ungrab(); err == nil {
			log.Info().Str("device", d.sourcePath).Msg("Ungrabbed device")
		}
		// 关闭源设备会让阻塞中的读取返回
		_ = source.Close()
	}
	d.wg.Wait()

	d.mu.Lock()
	for key := range d.sinks {
		d.destroySinkLocked(key)
	}
	d.mu.Unlock()
}

// Running 报告后台任务是否在运行
func (d *ReplicatedDevice) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancel != nil
}

// SinkKeys 返回当前存在的 sink，按符号链接名（SinkKey.String）排序
func (d *ReplicatedDevice) SinkKeys() []SinkKey {
	d.mu.Lock()
	defer d.mu.Unlock()
	keys := make([]SinkKey, 0, len(d.sinks))
	for key := range d.sinks {
		keys = append(keys, key)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
	return keys
}

// startLocked 打开源设备、创建宿主机 sink 并启动抓取和复制任务
func (d *ReplicatedDevice) startLocked() error {
	if d.source == nil {
		source, err := d.opener.OpenDevice(d.sourcePath)
		if err != nil {
			return err
		}
		d.source = source
		if err := d.createSinkLocked(HostKey()); err != nil {
			_ = source.Close()
			d.source = nil
			return err
		}
	}
	if d.cancel == nil {
		ctx, cancel := context.WithCancel(context.Background())
		d.cancel = cancel
		d.wg.Add(2)
		go d.grabSource(ctx, d.source)
		go d.replicate(ctx, d.source)
	}
	return nil
}

// createSinkLocked 克隆源设备并发布符号链接
func (d *ReplicatedDevice) createSinkLocked(key SinkKey) error {
	path := d.linkPath(key)
	log.Info().Str("target", key.String()).Str("path", path).Msg("Creating replicated device")
	sink, err := d.opener.CloneDevice(fmt.Sprintf("%s-%s", key.String(), d.name), d.source)
	if err != nil {
		return fmt.Errorf("create sink for %s: %w", key.String(), err)
	}
	d.sinks[key] = sink
	if isSymlink(path) {
		log.Debug().Str("path", path).Msg("Removing existing symlink")
		_ = os.Remove(path)
	}
	if err := os.Symlink(sink.Path(), path); err != nil {
		return fmt.Errorf("publish symlink %s: %w", path, err)
	}
	return nil
}

// destroySinkLocked 删除符号链接并关闭 sink
func (d *ReplicatedDevice) destroySinkLocked(key SinkKey) {
	sink, ok := d.sinks[key]
	if !ok {
		return
	}
	path := d.linkPath(key)
	log.Info().Str("target", key.String()).Str("path", path).Msg("Destroying replicated device")
	if isSymlink(path) {
		log.Debug().Str("path", path).Msg("Removing symlink")
		_ = os.Remove(path)
	}
	delete(d.sinks, key)
	_ = sink.Close()
}

// grabSource 每 5 秒尝试独占抓取源设备直到被取消
// 抓取失败直接吞掉重试，成功时每次获取只记录一条日志
func (d *ReplicatedDevice) grabSource(ctx context.Context, source evdevx.Device) {
	defer d.wg.Done()
	for {
		if err := source.Grab(); err == nil {
			log.Debug().Str("device", source.Path()).Msg("Grabbed source device")
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(grabRetryInterval):
		}
	}
}

// replicate 单读者循环：把每个事件原样写入当前活动 sink，
// 并对按键事件驱动 release、toggle、direct 三个子状态机
func (d *ReplicatedDevice) replicate(ctx context.Context, source evdevx.Device) {
	defer d.wg.Done()

	pressed := make(map[evdev.EvCode]bool)
	releasePending := false
	togglePending := false
	directPending := false
	var directTarget SinkKey

	for {
		ev, err := source.ReadOne()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			// 源设备在非停机路径上读取失败（通常是被拔出）
			// 退出进程交给 systemd 重启，避免带着半死的设备继续运行
			log.Fatal().Err(err).Str("device", d.sourcePath).Msg("Source device read failed")
			return
		}
		d.writeToActive(ev)
		if ev.Type != evdev.EV_KEY {
			continue
		}
		switch ev.Value {
		case 1:
			pressed[ev.Code] = true
		case 0:
			delete(pressed, ev.Code)
		}
		active := hotkey.FromPressed(pressed)
		empty := len(pressed) == 0

		// 三个子状态机共享同一个模式：按下的集合与热键完全一致时挂起，
		// 全部按键抬起时生效。判定顺序 release、toggle、direct，
		// 热键互不相同时每个事件至多挂起一个
		if ev.Value == 1 && active == d.opts.ReleaseHotkey {
			releasePending = true
		} else if releasePending && empty {
			d.drainActive()
			releasePending = false
			d.manager.ToggleReleased()
		}

		if ev.Value == 1 && active == d.opts.CycleHotkey {
			togglePending = true
		} else if togglePending && empty {
			d.drainActive()
			togglePending = false
			d.manager.Toggle()
		}

		if ev.Value == 1 {
			d.mu.Lock()
			key, ok := d.hotkeys[active]
			d.mu.Unlock()
			if ok {
				directPending = true
				directTarget = key
			}
		} else if directPending && empty {
			d.drainActive()
			directPending = false
			d.manager.SetTarget(directTarget)
		}
	}
}

// writeToActive 把事件写入当前活动目标的 sink
// 活动目标没有在此设备上注册 sink 时回退到宿主机 sink
func (d *ReplicatedDevice) writeToActive(ev *evdev.InputEvent) {
	target := d.manager.Target()
	d.mu.Lock()
	defer d.mu.Unlock()
	sink := d.activeSinkLocked(target)
	if sink == nil {
		return
	}
	if err := sink.WriteOne(ev); err != nil {
		log.Debug().Err(err).Str("device", d.sourcePath).Msg("Failed to replicate event")
	}
}

// drainActive 向活动 sink 写入 SYN 并等待内核把排队事件送达 guest
// 等待之后才能应用焦点切换，不能换成事件驱动的同步
func (d *ReplicatedDevice) drainActive() {
	target := d.manager.Target()
	d.mu.Lock()
	sink := d.activeSinkLocked(target)
	if sink != nil {
		_ = sink.WriteOne(synEvent())
	}
	d.mu.Unlock()
	time.Sleep(drainDelay)
}

// activeSinkLocked 返回目标对应的 sink，缺失时回退宿主机
func (d *ReplicatedDevice) activeSinkLocked(target SinkKey) evdevx.Sink {
	if sink, ok := d.sinks[target]; ok {
		return sink
	}
	return d.sinks[HostKey()]
}

// linkPath 返回 sink 的符号链接路径 {linkDir}/{key}-{device-id}
func (d *ReplicatedDevice) linkPath(key SinkKey) string {
	return filepath.Join(d.linkDir, fmt.Sprintf("%s-%s", key.String(), d.name))
}

func synEvent() *evdev.InputEvent {
	return &evdev.InputEvent{Type: evdev.EV_SYN, Code: evdev.SYN_REPORT, Value: 0}
}

func isSymlink(path string) bool {
	info, err := os.Lstat(path)
	return err == nil && info.Mode()&os.ModeSymlink != 0
}
