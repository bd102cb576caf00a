package service

import (
	"sort"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
)

// CPU 绑定和 hugepages 分配目前只记录意图，不改动系统状态
// 两组操作都由配置开关控制，并且在 Prepare/Release 之间保持对称

// pinCPUs 记录需要对内核进程隔离的 CPU
func (s *Service) pinCPUs(cpus []int) {
	if !s.manageCPU || len(cpus) == 0 {
		return
	}
	log.Info().Str("cpus", formatCPUs(cpus)).Msg("Pinning CPUs")
}

// unpinCPUs 记录解除隔离的 CPU
func (s *Service) unpinCPUs(cpus []int) {
	if !s.manageCPU || len(cpus) == 0 {
		return
	}
	log.Info().Str("cpus", formatCPUs(cpus)).Msg("Unpinning CPUs")
}

// allocateHugepages 记录需要分配的大页数量
func (s *Service) allocateHugepages(gbPages, mbPages int) {
	if !s.manageHugepages || (gbPages == 0 && mbPages == 0) {
		return
	}
	log.Info().
		Int("hugepages_1g", gbPages).
		Int("hugepages_2m", mbPages).
		Msg("Allocating hugepages")
}

// deallocateHugepages 记录需要释放的大页数量
func (s *Service) deallocateHugepages(gbPages, mbPages int) {
	if !s.manageHugepages || (gbPages == 0 && mbPages == 0) {
		return
	}
	log.Info().
		Int("hugepages_1g", gbPages).
		Int("hugepages_2m", mbPages).
		Msg("Deallocating hugepages")
}

// formatCPUs 升序展示 CPU 编号
func formatCPUs(cpus []int) string {
	sorted := make([]int, len(cpus))
	copy(sorted, cpus)
	sort.Ints(sorted)
	parts := make([]string, len(sorted))
	for i, cpu := range sorted {
		parts[i] = strconv.Itoa(cpu)
	}
	return strings.Join(parts, ", ")
}
