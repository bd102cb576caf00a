// Package domainxml 解析 libvirt hook 传入的 domain XML
// 提取 CPU 绑定、hugepages 需求和请求的 evdev 直通设备路径
package domainxml

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// qemu:commandline 元素使用的 XML 命名空间
const qemuNamespace = "http://libvirt.org/schemas/domain/qemu/1.0"

// byIDDir 是 libvirt 提供的稳定设备 ID 目录
const byIDDir = "/dev/input/by-id/"

// Config 是一份 domain XML 中与本服务相关的解析结果
// 解析完成后不再变化
type Config struct {
	// Name 是 domain 的 name 元素
	Name string
	// CPU 是 cputune/vcpupin 的 cpuset 值，保持文档顺序
	CPU []int
	// Hugepages1G 是需要的 1 GiB 大页数量
	Hugepages1G int
	// Hugepages2M 是需要的 2 MiB 大页数量
	Hugepages2M int
	// Devices 是请求的直通设备路径，形如 /dev/input/by-id/{name}-{device-id}
	// 已去重并排序
	Devices []string
}

// domainDoc 映射 domain XML 中需要读取的部分
// 参考：https://libvirt.org/formatdomain.html
type domainDoc struct {
	XMLName xml.Name `xml:"domain"`
	Name    string   `xml:"name"`
	Memory  struct {
		Unit  string `xml:"unit,attr"`
		Value string `xml:",chardata"`
	} `xml:"memory"`
	MemoryBacking *struct {
		Hugepages *struct{} `xml:"hugepages"`
	} `xml:"memoryBacking"`
	CPUTune struct {
		VCPUPin []struct {
			CPUSet string `xml:"cpuset,attr"`
		} `xml:"vcpupin"`
	} `xml:"cputune"`
	Devices struct {
		Inputs []struct {
			Type   string `xml:"type,attr"`
			Source struct {
				Evdev string `xml:"evdev,attr"`
			} `xml:"source"`
		} `xml:"input"`
	} `xml:"devices"`
	Commandline struct {
		Args []struct {
			Value string `xml:"value,attr"`
		} `xml:"arg"`
	} `xml:"http://libvirt.org/schemas/domain/qemu/1.0 commandline"`
}

// Parse 解析一份 domain XML
// XML 格式错误或数值字段非法时返回错误，由调用方在 hook 边界处理
func Parse(xmlConfig string) (*Config, error) {
	var doc domainDoc
	if err := xml.Unmarshal([]byte(xmlConfig), &doc); err != nil {
		return nil, fmt.Errorf("unmarshal domain XML: %w", err)
	}

	cfg := &Config{Name: doc.Name}

	// cpuset 缺失时取 0，存在时按十进制整数解析
	for _, pin := range doc.CPUTune.VCPUPin {
		if pin.CPUSet == "" {
			cfg.CPU = append(cfg.CPU, 0)
			continue
		}
		cpu, err := strconv.Atoi(pin.CPUSet)
		if err != nil {
			return nil, fmt.Errorf("parse vcpupin cpuset %q: %w", pin.CPUSet, err)
		}
		cfg.CPU = append(cfg.CPU, cpu)
	}

	// memory 元素按 KiB 解释，memoryBacking/hugepages 存在时才计算大页需求
	// 1 GiB 页取整，余量折算成 2 MiB 页向上取整
	if doc.MemoryBacking != nil && doc.MemoryBacking.Hugepages != nil {
		memoryKiB, err := parseMemory(doc.Memory.Value)
		if err != nil {
			return nil, err
		}
		memInMiB := memoryKiB / 1024
		cfg.Hugepages1G = int(memInMiB / 1024)
		cfg.Hugepages2M = int((memInMiB%1024 + 1) / 2)
	}

	// 直通设备来自两处：input[@type='passthrough'] 的 source/@evdev，
	// 以及 qemu:commandline 参数里 "," 分隔的 evdev= 片段
	prefix := byIDDir + doc.Name + "-"
	seen := make(map[string]bool)
	for _, input := range doc.Devices.Inputs {
		if input.Type != "passthrough" {
			continue
		}
		if dev := input.Source.Evdev; strings.HasPrefix(dev, prefix) {
			seen[dev] = true
		}
	}
	for _, arg := range doc.Commandline.Args {
		if !strings.Contains(arg.Value, "evdev=") {
			continue
		}
		for _, param := range strings.Split(arg.Value, ",") {
			if strings.HasPrefix(param, "evdev="+prefix) {
				seen[strings.TrimPrefix(param, "evdev=")] = true
			}
		}
	}
	for dev := range seen {
		cfg.Devices = append(cfg.Devices, dev)
	}
	sort.Strings(cfg.Devices)

	return cfg, nil
}

// SourcePath 把请求的直通设备路径还原为真实的源设备路径
// /dev/input/by-id/{vm}-{device-id} 去掉 "{vm}-" 前缀得到 /dev/input/by-id/{device-id}
func SourcePath(guestDevice, vmName string) string {
	base := guestDevice[strings.LastIndex(guestDevice, "/")+1:]
	return byIDDir + strings.TrimPrefix(base, vmName+"-")
}

// DeviceID 返回直通设备路径中的 {device-id} 部分
func DeviceID(guestDevice, vmName string) string {
	base := guestDevice[strings.LastIndex(guestDevice, "/")+1:]
	return strings.TrimPrefix(base, vmName+"-")
}

// parseMemory 解析 memory 元素的文本值，缺失按 0 处理
func parseMemory(text string) (uint64, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0, nil
	}
	value, err := strconv.ParseUint(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse memory %q: %w", text, err)
	}
	return value, nil
}
