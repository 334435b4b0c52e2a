package input

// Linux evdev event types
const (
	EV_SYN = 0x00
	EV_KEY = 0x01
	EV_REL = 0x02
	EV_ABS = 0x03
	EV_MSC = 0x04
	EV_SW  = 0x05
	EV_LED = 0x11
	EV_SND = 0x12
	EV_REP = 0x14
	EV_FF  = 0x15
	EV_MAX = 0x1f
)

// Linux evdev synchronization events
const (
	SYN_REPORT    = 0
	SYN_CONFIG    = 1
	SYN_MT_REPORT = 2
	SYN_DROPPED   = 3
)

// Linux evdev relative axis codes
const (
	REL_X      = 0x00
	REL_Y      = 0x01
	REL_Z      = 0x02
	REL_WHEEL  = 0x08
	REL_HWHEEL = 0x06
	REL_MAX    = 0x0f
)

// Linux evdev absolute axis codes
const (
	ABS_X              = 0x00
	ABS_Y              = 0x01
	ABS_Z              = 0x02
	ABS_PRESSURE       = 0x18
	ABS_MT_SLOT        = 0x2f
	ABS_MT_POSITION_X  = 0x35
	ABS_MT_POSITION_Y  = 0x36
	ABS_MT_TRACKING_ID = 0x39
	ABS_MAX            = 0x3f
	ABS_CNT            = ABS_MAX + 1
)

// Linux input device property bits
const (
	INPUT_PROP_POINTER   = 0x00
	INPUT_PROP_DIRECT    = 0x01
	INPUT_PROP_BUTTONPAD = 0x02
	INPUT_PROP_MAX       = 0x1f
)

// Linux evdev button codes
const (
	BTN_MOUSE  = 0x110
	BTN_LEFT   = 0x110
	BTN_RIGHT  = 0x111
	BTN_MIDDLE = 0x112
	BTN_SIDE   = 0x113
	BTN_EXTRA  = 0x114
	BTN_TOUCH  = 0x14a
	BTN_STYLUS = 0x14b
)

// Linux evdev key codes
const (
	KEY_RESERVED   = 0
	KEY_ESC        = 1
	KEY_1          = 2
	KEY_0          = 11
	KEY_MINUS      = 12
	KEY_EQUAL      = 13
	KEY_BACKSPACE  = 14
	KEY_TAB        = 15
	KEY_Q          = 16
	KEY_P          = 25
	KEY_ENTER      = 28
	KEY_LEFTCTRL   = 29
	KEY_A          = 30
	KEY_GRAVE      = 41
	KEY_LEFTSHIFT  = 42
	KEY_Z          = 44
	KEY_M          = 50
	KEY_RIGHTSHIFT = 54
	KEY_KPASTERISK = 55
	KEY_LEFTALT    = 56
	KEY_SPACE      = 57
	KEY_CAPSLOCK   = 58
	KEY_F1         = 59
	KEY_F10        = 68
	KEY_NUMLOCK    = 69
	KEY_SCROLLLOCK = 70
	KEY_KP7        = 71
	KEY_KPDOT      = 83
	KEY_F11        = 87
	KEY_F12        = 88
	KEY_KPENTER    = 96
	KEY_RIGHTCTRL  = 97
	KEY_KPSLASH    = 98
	KEY_SYSRQ      = 99
	KEY_RIGHTALT   = 100
	KEY_HOME       = 102
	KEY_UP         = 103
	KEY_PAGEUP     = 104
	KEY_LEFT       = 105
	KEY_RIGHT      = 106
	KEY_END        = 107
	KEY_DOWN       = 108
	KEY_PAGEDOWN   = 109
	KEY_INSERT     = 110
	KEY_DELETE     = 111
	KEY_MUTE       = 113
	KEY_VOLUMEDOWN = 114
	KEY_VOLUMEUP   = 115
	KEY_POWER      = 116
	KEY_PAUSE      = 119
	KEY_LEFTMETA   = 125
	KEY_RIGHTMETA  = 126
	KEY_COMPOSE    = 127
	KEY_MAX        = 0x2ff
)

// TabletAxisMax is the maximum value for tablet absolute axes.
const TabletAxisMax = 32767

// CodeBitmap builds the byte bitmap for a set of event codes, one bit per
// code, truncated to the 128-byte config payload limit.
func CodeBitmap(codes []uint16) []byte {
	if len(codes) == 0 {
		return nil
	}
	maxCode := uint16(0)
	for _, c := range codes {
		if c > maxCode {
			maxCode = c
		}
	}
	numBytes := int(maxCode/8) + 1
	if numBytes > 128 {
		numBytes = 128
	}
	bitmap := make([]byte, numBytes)
	for _, c := range codes {
		if int(c/8) < len(bitmap) {
			bitmap[c/8] |= 1 << (c % 8)
		}
	}
	return bitmap
}

// CodeRange returns the inclusive range [lo, hi] of event codes.
func CodeRange(lo, hi uint16) []uint16 {
	codes := make([]uint16, 0, hi-lo+1)
	for c := lo; c <= hi; c++ {
		codes = append(codes, c)
	}
	return codes
}

// AllKeyboardKeys returns the key codes a full keyboard device supports.
func AllKeyboardKeys() []uint16 {
	// KEY_ESC..KEY_COMPOSE covers the standard 104-key layout plus the
	// Japanese/Korean extras in between.
	return CodeRange(KEY_ESC, KEY_COMPOSE)
}

// AllPointerButtons returns the button codes a pointer device supports.
func AllPointerButtons() []uint16 {
	return []uint16{BTN_LEFT, BTN_RIGHT, BTN_MIDDLE, BTN_SIDE, BTN_EXTRA}
}

// AllTabletButtons returns the button codes a tablet device supports.
func AllTabletButtons() []uint16 {
	return []uint16{BTN_LEFT, BTN_RIGHT, BTN_MIDDLE, BTN_TOUCH}
}
