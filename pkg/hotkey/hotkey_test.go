package hotkey

import (
	"testing"

	evdev "github.com/holoplot/go-evdev"
	"github.com/stretchr/testify/assert"
)

func TestNew(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name  string
		codes []evdev.EvCode
		want  Hotkey
	}{
		{
			name:  "empty",
			codes: nil,
			want:  Unavailable,
		},
		{
			name:  "single key",
			codes: []evdev.EvCode{evdev.KEY_PAUSE},
			want:  New(evdev.KEY_PAUSE),
		},
		{
			name:  "order independent",
			codes: []evdev.EvCode{evdev.KEY_RIGHTCTRL, evdev.KEY_LEFTCTRL},
			want:  New(evdev.KEY_LEFTCTRL, evdev.KEY_RIGHTCTRL),
		},
		{
			name:  "duplicates collapse",
			codes: []evdev.EvCode{evdev.KEY_LEFTCTRL, evdev.KEY_LEFTCTRL},
			want:  New(evdev.KEY_LEFTCTRL),
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tc.want, New(tc.codes...))
		})
	}
}

func TestResolve(t *testing.T) {
	t.Parallel()

	testcases := []struct {
		name  string
		keys  []string
		want  Hotkey
		empty bool
	}{
		{
			name: "qemu default",
			keys: []string{"KEY_LEFTCTRL", "KEY_RIGHTCTRL"},
			want: New(evdev.KEY_LEFTCTRL, evdev.KEY_RIGHTCTRL),
		},
		{
			name:  "unknown key makes the whole hotkey unavailable",
			keys:  []string{"KEY_LEFTCTRL", "KEY_DOES_NOT_EXIST"},
			empty: true,
		},
		{
			name:  "nil input",
			keys:  nil,
			empty: true,
		},
	}

	for _, tc := range testcases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Resolve(tc.keys)
			if tc.empty {
				assert.True(t, got.Empty())
				return
			}
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestFromPressed(t *testing.T) {
	t.Parallel()

	pressed := map[evdev.EvCode]bool{
		evdev.KEY_LEFTCTRL:  true,
		evdev.KEY_RIGHTCTRL: true,
	}
	assert.Equal(t, New(evdev.KEY_LEFTCTRL, evdev.KEY_RIGHTCTRL), FromPressed(pressed))

	// 空集合规范化为不可用的热键
	assert.True(t, FromPressed(nil).Empty())
	assert.True(t, FromPressed(map[evdev.EvCode]bool{}).Empty())
}

func TestCodes(t *testing.T) {
	t.Parallel()

	h := New(evdev.KEY_RIGHTCTRL, evdev.KEY_LEFTCTRL)
	assert.Equal(t, []evdev.EvCode{evdev.KEY_LEFTCTRL, evdev.KEY_RIGHTCTRL}, h.Codes())
	assert.Nil(t, Unavailable.Codes())
}
