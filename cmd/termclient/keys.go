package main

// prefixKey is Ctrl-]. The byte after it is a command.
const prefixKey = 0x1d

type action int

const (
	actNone action = iota
	actNext
	actPrev
	actNew
	actClose
	actQuit
)

var commandKeys = map[byte]action{
	'n': actNext,
	'p': actPrev,
	'c': actNew,
	'x': actClose,
	'q': actQuit,
	'd': actQuit,
}

// keyChunk is either bytes for the shell or a command.
type keyChunk struct {
	data []byte
	act  action
}

// keyReader splits keyboard input into shell bytes and prefix commands.
// A prefix may end one read and its command start the next.
type keyReader struct {
	prefixed bool
}

func (k *keyReader) feed(p []byte) []keyChunk {
	var out []keyChunk
	start := 0
	flush := func(end int) {
		if end > start {
			out = append(out, keyChunk{data: append([]byte(nil), p[start:end]...)})
		}
	}

	for i, b := range p {
		if k.prefixed {
			k.prefixed = false
			start = i + 1
			if b == prefixKey {
				// Pressed twice: send it through.
				out = append(out, keyChunk{data: []byte{prefixKey}})
				continue
			}
			if act, ok := commandKeys[b]; ok {
				out = append(out, keyChunk{act: act})
			}
			continue
		}
		if b == prefixKey {
			flush(i)
			k.prefixed = true
			start = i + 1
		}
	}
	if !k.prefixed {
		flush(len(p))
	}
	return out
}
