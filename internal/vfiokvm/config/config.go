// Package config 加载服务的 YAML 配置
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultPath 是配置文件的默认路径
	DefaultPath = "/etc/vfio-kvm.yaml"

	defaultBusName    = "vfio.kvm"
	defaultObjectPath = "/vfio/kvm"
	defaultLibvirtURI = "qemu:///system"
)

// defaultQemuHotkey 是 QEMU 标准的宿主机/虚拟机切换组合键
var defaultQemuHotkey = []string{"KEY_LEFTCTRL", "KEY_RIGHTCTRL"}

// VMOptions 是单个虚拟机（或宿主机）的配置
type VMOptions struct {
	// Hotkey 直接选择该目标的组合键，KEY_XXXX 形式的按键名列表
	Hotkey []string `yaml:"hotkey"`
}

// Config 是服务的全部配置
// 加载完成后不再变化
type Config struct {
	// DbusBusName 是要请求的 D-Bus 总线名
	DbusBusName string `yaml:"dbus_bus_name"`
	// DbusObjectPath 是导出的 D-Bus 对象路径
	DbusObjectPath string `yaml:"dbus_object_path"`
	// ManageCPU 启用 CPU 绑定管理（当前仅记录日志）
	ManageCPU bool `yaml:"manage_cpu"`
	// ManageHugepages 启用 hugepages 管理（当前仅记录日志）
	ManageHugepages bool `yaml:"manage_hugepages"`
	// Hotkey 循环切换目标的组合键，未设置时继承 QemuHotkey
	Hotkey []string `yaml:"hotkey"`
	// QemuHotkey 目标切换时向 guest 重放的 QEMU 抓取组合键
	QemuHotkey []string `yaml:"qemu_hotkey"`
	// ReleaseHotkey 临时把输入交还宿主机的组合键
	ReleaseHotkey []string `yaml:"release_hotkey"`
	// Host 宿主机相关配置
	Host VMOptions `yaml:"host"`
	// VM 虚拟机名称到该虚拟机配置的映射
	VM map[string]VMOptions `yaml:"vm"`

	// HTTPAddress 只读状态 API 的监听地址，空值表示不启用
	HTTPAddress string `yaml:"http_address"`
	// LibvirtURI 启动对账使用的 libvirt 连接 URI
	LibvirtURI string `yaml:"libvirt_uri"`
	// Resync 启动时向 libvirtd 对账，为已在运行的虚拟机补建设备
	Resync bool `yaml:"resync"`
}

// New 从默认位置加载配置
// 路径可以通过环境变量 VFIO_KVM_CONFIG 覆盖
// 配置文件缺失或为空时使用默认值
func New() (*Config, error) {
	path := os.Getenv("VFIO_KVM_CONFIG")
	if path == "" {
		path = DefaultPath
	}
	return Load(path)
}

// Load 从指定路径加载配置
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		// 没有配置文件也能运行，全部取默认值
	case err != nil:
		return nil, fmt.Errorf("read config %s: %w", path, err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.applyDefaults()
	return cfg, nil
}

// applyDefaults 填充未设置的字段
func (c *Config) applyDefaults() {
	if c.DbusBusName == "" {
		c.DbusBusName = defaultBusName
	}
	if c.DbusObjectPath == "" {
		c.DbusObjectPath = defaultObjectPath
	}
	if c.LibvirtURI == "" {
		c.LibvirtURI = defaultLibvirtURI
	}
	if c.QemuHotkey == nil {
		c.QemuHotkey = defaultQemuHotkey
	}
	// 循环热键未设置时沿用 QEMU 热键，让默认配置开箱可用
	if c.Hotkey == nil {
		c.Hotkey = c.QemuHotkey
	}
}
