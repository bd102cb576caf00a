// Package service 维护全局目标环和复制设备注册表
// libvirt hook 事件（Prepare/Release）、热键和 D-Bus 都通过它改变当前活动目标
package service

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/jimyag/vfio-kvm/internal/vfiokvm/config"
	"github.com/jimyag/vfio-kvm/internal/vfiokvm/device"
	"github.com/jimyag/vfio-kvm/pkg/domainxml"
	"github.com/jimyag/vfio-kvm/pkg/evdevx"
	"github.com/jimyag/vfio-kvm/pkg/hotkey"
	"github.com/jimyag/vfio-kvm/pkg/libvirt"
)

// Service 是输入复制的注册表和协调者
// targets 环以宿主机开头，虚拟机按 Prepare 顺序追加
type Service struct {
	opener  evdevx.Opener
	lv      libvirt.LibvirtClient
	linkDir string

	manageCPU       bool
	manageHugepages bool
	cycleHotkey     hotkey.Hotkey
	qemuHotkey      hotkey.Hotkey
	releaseHotkey   hotkey.Hotkey
	hostHotkey      hotkey.Hotkey
	vmHotkeys       map[string]hotkey.Hotkey

	mu              sync.Mutex
	targets         []device.SinkKey
	target          device.SinkKey
	released        bool
	devices         map[string]*device.ReplicatedDevice
	onTargetChanged func(display string)
}

// Option 调整 Service 的构造参数
type Option func(*Service)

// WithOpener 替换设备访问实现，测试时注入 mock
func WithOpener(opener evdevx.Opener) Option {
	return func(s *Service) { s.opener = opener }
}

// WithLibvirtClient 注入 libvirt 客户端，用于启动对账
func WithLibvirtClient(lv libvirt.LibvirtClient) Option {
	return func(s *Service) { s.lv = lv }
}

// WithLinkDir 替换 /dev/input/by-id 目录，测试时指向临时目录
func WithLinkDir(dir string) Option {
	return func(s *Service) { s.linkDir = dir }
}

// New 创建服务并解析配置中的全部热键
func New(cfg *config.Config, opts ...Option) *Service {
	s := &Service{
		opener:          evdevx.NewKernelOpener(),
		linkDir:         "/dev/input/by-id",
		manageCPU:       cfg.ManageCPU,
		manageHugepages: cfg.ManageHugepages,
		cycleHotkey:     hotkey.Resolve(cfg.Hotkey),
		qemuHotkey:      hotkey.Resolve(cfg.QemuHotkey),
		releaseHotkey:   hotkey.Resolve(cfg.ReleaseHotkey),
		hostHotkey:      hotkey.Resolve(cfg.Host.Hotkey),
		vmHotkeys:       make(map[string]hotkey.Hotkey, len(cfg.VM)),
		targets:         []device.SinkKey{device.HostKey()},
		target:          device.HostKey(),
		devices:         make(map[string]*device.ReplicatedDevice),
	}
	for name, vm := range cfg.VM {
		s.vmHotkeys[name] = hotkey.Resolve(vm.Hotkey)
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnTargetChanged 注册目标变化回调，D-Bus 层用它发出 PropertiesChanged
// 回调在持有服务锁时调用，回调内不能再调用服务方法
func (s *Service) OnTargetChanged(fn func(display string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onTargetChanged = fn
}

// Target 返回当前生效的目标
// released 状态下返回宿主机，底层目标保持不变
func (s *Service) Target() device.SinkKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return device.HostKey()
	}
	return s.target
}

// Released 报告当前是否处于 released 状态
func (s *Service) Released() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.released
}

// SetTarget 把目标切到指定的 sink
// 目标未变化时不做任何事也不发事件；变化时清除 released 状态、
// 在所有设备上重新同步抓取并发出目标变化通知
func (s *Service) SetTarget(key device.SinkKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setTargetLocked(key)
}

func (s *Service) setTargetLocked(key device.SinkKey) {
	display := key.Display()
	if key == s.target {
		log.Debug().Str("target", display).Msg("Target selected but already active")
		return
	}
	log.Info().Str("target", display).Msg("Target selected")
	s.released = false
	s.target = key
	for _, d := range s.devices {
		d.Grab(key)
	}
	if s.onTargetChanged != nil {
		s.onTargetChanged(display)
	}
}

// Toggle 把目标推进到环中的下一个，返回新的生效目标
func (s *Service) Toggle() device.SinkKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.targets[(s.targetIndexLocked()+1)%len(s.targets)]
	s.setTargetLocked(next)
	if s.released {
		return device.HostKey()
	}
	return s.target
}

// ToggleReleased 翻转 released 状态
func (s *Service) ToggleReleased() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.released = !s.released
	log.Debug().Bool("released", s.released).Msg("Released state set")
}

// Prepare 处理虚拟机启动 hook
// 解析 XML、登记目标、按配置记录 CPU 与 hugepages 操作，
// 并为每个请求的直通设备创建复制设备和 sink
// 任何错误都只记录日志并返回 false，让 libvirt 阻止虚拟机启动
func (s *Service) Prepare(vmName, subOp, extraOp, xmlConfig string) bool {
	log.Info().Str("vm", vmName).Msg("VM preparing to start")
	log.Debug().
		Str("vm", vmName).
		Str("sub_op", subOp).
		Str("extra_op", extraOp).
		Msg("libvirtd event received")
	cfg, err := domainxml.Parse(xmlConfig)
	if err != nil {
		log.Error().Err(err).Str("vm", vmName).Msg("An error occurred while preparing a virtual machine")
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := device.VMKey(vmName)
	if s.containsTargetLocked(key) {
		log.Warn().Str("vm", vmName).Msg("VM is already prepared, ignoring duplicate prepare")
		return false
	}
	s.targets = append(s.targets, key)
	s.pinCPUs(cfg.CPU)
	s.allocateHugepages(cfg.Hugepages1G, cfg.Hugepages2M)
	if err := s.createDevicesLocked(vmName, cfg.Devices); err != nil {
		log.Error().Err(err).Str("vm", vmName).Msg("An error occurred while preparing a virtual machine")
		return false
	}
	return true
}

// createDevicesLocked 为虚拟机请求的每个直通设备建立复制
// 源设备路径由请求路径去掉 "{vm}-" 前缀得到，复制设备按需创建
func (s *Service) createDevicesLocked(vmName string, guestDevices []string) error {
	for _, guestDevice := range guestDevices {
		source := filepath.Join(s.linkDir, domainxml.DeviceID(guestDevice, vmName))
		d, ok := s.devices[source]
		if !ok {
			var err error
			d, err = device.New(source, s, s.opener, device.Options{
				CycleHotkey:   s.cycleHotkey,
				QemuHotkey:    s.qemuHotkey,
				ReleaseHotkey: s.releaseHotkey,
				HostHotkey:    s.hostHotkey,
				LinkDir:       s.linkDir,
			})
			if err != nil {
				return err
			}
			s.devices[source] = d
		}
		if err := d.Add(vmName, s.vmHotkeys[vmName]); err != nil {
			return err
		}
	}
	return nil
}

// Release 处理虚拟机停止 hook
// 未登记的虚拟机直接返回 false；XML 解析失败时目标环保持不变
func (s *Service) Release(vmName, subOp, extraOp, xmlConfig string) bool {
	key := device.VMKey(vmName)

	s.mu.Lock()
	if !s.containsTargetLocked(key) {
		s.mu.Unlock()
		log.Debug().Str("vm", vmName).Msg("Attempted to release devices for unmanaged VM")
		return false
	}
	log.Info().Str("vm", vmName).Msg("VM shutting down")
	log.Debug().
		Str("vm", vmName).
		Str("sub_op", subOp).
		Str("extra_op", extraOp).
		Msg("libvirtd event received")
	cfg, err := domainxml.Parse(xmlConfig)
	if err != nil {
		s.mu.Unlock()
		log.Error().Err(err).Str("vm", vmName).Msg("An error occurred while releasing a virtual machine")
		return false
	}
	s.removeTargetLocked(key)
	if s.target == key {
		s.setTargetLocked(device.HostKey())
	}
	lastVM := len(s.targets) == 1

	// 收集要操作的设备，设备的停止必须在服务锁外进行：
	// 停止会等待复制任务退出，而复制任务可能正在等服务锁
	type removal struct {
		source string
		dev    *device.ReplicatedDevice
	}
	removals := make([]removal, 0, len(cfg.Devices))
	missing := ""
	for _, guestDevice := range cfg.Devices {
		source := filepath.Join(s.linkDir, domainxml.DeviceID(guestDevice, vmName))
		d, ok := s.devices[source]
		if !ok {
			missing = source
			break
		}
		removals = append(removals, removal{source: source, dev: d})
	}
	if missing == "" && lastVM {
		for _, r := range removals {
			delete(s.devices, r.source)
		}
	}
	s.mu.Unlock()

	if missing != "" {
		log.Error().Str("vm", vmName).Str("device", missing).Msg("No replicated device for released VM")
		return false
	}
	// 与 Prepare 不同，这里不摘除直接选择热键：
	// 同名虚拟机再次启动时热键映射会被覆盖
	for _, r := range removals {
		r.dev.Remove(vmName, hotkey.Unavailable)
	}
	s.deallocateHugepages(cfg.Hugepages1G, cfg.Hugepages2M)
	s.unpinCPUs(cfg.CPU)
	return true
}

// Stop 停止所有复制设备，信号处理和停机路径调用
func (s *Service) Stop() {
	s.mu.Lock()
	devices := make([]*device.ReplicatedDevice, 0, len(s.devices))
	for _, d := range s.devices {
		devices = append(devices, d)
	}
	s.mu.Unlock()
	for _, d := range devices {
		d.Stop()
	}
}

// Run 实现 grace.Grace 接口
// 启动时可选地向 libvirtd 对账，然后等待停机
func (s *Service) Run(ctx context.Context) error {
	if s.lv != nil {
		s.resync()
	}
	<-ctx.Done()
	return nil
}

// Shutdown 实现 grace.Grace 接口
func (s *Service) Shutdown(ctx context.Context) error {
	s.Stop()
	return nil
}

// Name 实现 grace.Grace 接口
func (s *Service) Name() string {
	return "Replication Service"
}

// resync 为服务启动前就已在运行的虚拟机补建复制设备
// 对账是尽力而为的：连不上或单个 domain 失败都只记录日志
func (s *Service) resync() {
	defer func() { _ = s.lv.Close() }()
	domains, err := s.lv.ListRunningDomains()
	if err != nil {
		log.Warn().Err(err).Msg("Failed to list running domains, skipping resync")
		return
	}
	for _, dom := range domains {
		xmlDesc, err := s.lv.DomainXML(dom)
		if err != nil {
			log.Warn().Err(err).Str("vm", dom.Name).Msg("Failed to fetch domain XML, skipping")
			continue
		}
		cfg, err := domainxml.Parse(xmlDesc)
		if err != nil || len(cfg.Devices) == 0 {
			continue
		}
		if s.Prepare(dom.Name, "prepare", "begin", xmlDesc) {
			log.Info().Str("vm", dom.Name).Msg("Resynced devices for running VM")
		}
	}
}

// Status 是状态 API 的快照
type Status struct {
	// Target 当前生效目标的展示名
	Target string `json:"target"`
	// Released 是否处于 released 状态
	Released bool `json:"released"`
	// Targets 目标环的展示名，宿主机恒为第一项
	Targets []string `json:"targets"`
	// Devices 源设备路径到 sink 名称列表的映射
	Devices map[string][]string `json:"devices"`
}

// Status 返回当前状态的快照
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Released: s.released,
		Devices:  make(map[string][]string, len(s.devices)),
	}
	if s.released {
		st.Target = device.HostKey().Display()
	} else {
		st.Target = s.target.Display()
	}
	for _, key := range s.targets {
		st.Targets = append(st.Targets, key.Display())
	}
	for source, d := range s.devices {
		keys := d.SinkKeys()
		names := make([]string, 0, len(keys))
		for _, key := range keys {
			names = append(names, key.String())
		}
		st.Devices[source] = names
	}
	return st
}

// TargetWire 返回 Target 属性在 D-Bus 上的取值，宿主机为空字符串
func (s *Service) TargetWire() string {
	return s.Target().VM()
}

// SetTargetWire 按 D-Bus 属性写入的取值设置目标
// 空字符串表示宿主机；未登记的虚拟机返回错误
func (s *Service) SetTargetWire(value string) error {
	key := device.HostKey()
	if value != "" {
		key = device.VMKey(value)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.containsTargetLocked(key) {
		return fmt.Errorf("unknown target %q", value)
	}
	s.setTargetLocked(key)
	return nil
}

// DeviceCount 返回当前注册的复制设备数量
func (s *Service) DeviceCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.devices)
}

func (s *Service) containsTargetLocked(key device.SinkKey) bool {
	for _, t := range s.targets {
		if t == key {
			return true
		}
	}
	return false
}

func (s *Service) targetIndexLocked() int {
	for i, t := range s.targets {
		if t == s.target {
			return i
		}
	}
	return 0
}

func (s *Service) removeTargetLocked(key device.SinkKey) {
	for i, t := range s.targets {
		if t == key {
			s.targets = append(s.targets[:i], s.targets[i+1:]...)
			return
		}
	}
}
