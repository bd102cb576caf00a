// Package hotkey 提供热键解析和按键集合比较
// 热键是一组无序的内核按键码，与当前按下的按键集合做精确相等比较
package hotkey

import (
	"sort"
	"strconv"
	"strings"

	evdev "github.com/holoplot/go-evdev"
	"github.com/rs/zerolog/log"
)

// Hotkey 是按键码集合的规范化表示
// 内部形式是升序排列、"+" 连接的十进制按键码，可以直接作为 map 的 key 使用
// 零值表示"未设置/不可用"，与任何实际按键集合都不相等
type Hotkey string

// Unavailable 不可用的热键，任何按键组合都不会触发它
const Unavailable Hotkey = ""

// New 从按键码构造热键
// 重复的按键码会被去重，空输入返回 Unavailable
func New(codes ...evdev.EvCode) Hotkey {
	if len(codes) == 0 {
		return Unavailable
	}
	seen := make(map[evdev.EvCode]bool, len(codes))
	unique := make([]int, 0, len(codes))
	for _, code := range codes {
		if seen[code] {
			continue
		}
		seen[code] = true
		unique = append(unique, int(code))
	}
	return fromInts(unique)
}

// FromPressed 把当前按下的按键集合规范化为可比较的热键值
// 空集合返回 Unavailable，与不可用的热键相等；非空集合与 Unavailable 永不相等
func FromPressed(pressed map[evdev.EvCode]bool) Hotkey {
	if len(pressed) == 0 {
		return Unavailable
	}
	codes := make([]int, 0, len(pressed))
	for code, down := range pressed {
		if down {
			codes = append(codes, int(code))
		}
	}
	return fromInts(codes)
}

// Resolve 把 KEY_XXXX 形式的按键名解析为热键
// 任意一个名字无法解析时记录告警并返回 Unavailable，
// 这样配置错误只会让热键失效，不会影响其余功能
func Resolve(names []string) Hotkey {
	if len(names) == 0 {
		return Unavailable
	}
	codes := make([]evdev.EvCode, 0, len(names))
	for _, name := range names {
		code, ok := evdev.KEYFromString[name]
		if !ok {
			log.Warn().
				Strs("hotkey", names).
				Str("key", name).
				Msg("Unable to match all keys in hotkey to key codes, hotkey will be unavailable")
			return Unavailable
		}
		codes = append(codes, code)
	}
	return New(codes...)
}

// Codes 返回热键包含的按键码，顺序为升序
// Unavailable 返回 nil
func (h Hotkey) Codes() []evdev.EvCode {
	if h == Unavailable {
		return nil
	}
	parts := strings.Split(string(h), "+")
	codes := make([]evdev.EvCode, 0, len(parts))
	for _, part := range parts {
		code, err := strconv.Atoi(part)
		if err != nil {
			// 规范化形式只能由本包构造，出现异常说明调用方绕过了构造函数
			continue
		}
		codes = append(codes, evdev.EvCode(code))
	}
	return codes
}

// Empty 报告热键是否未设置
func (h Hotkey) Empty() bool {
	return h == Unavailable
}

// fromInts 排序并拼接规范化形式
func fromInts(codes []int) Hotkey {
	sort.Ints(codes)
	parts := make([]string, len(codes))
	for i, code := range codes {
		parts[i] = strconv.Itoa(code)
	}
	return Hotkey(strings.Join(parts, "+"))
}
