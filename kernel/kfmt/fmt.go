// Package kfmt implements the kernel's formatted output. Output produced
// before a sink is attached is kept in a ring buffer and replayed once
// SetOutputSink is called.
package kfmt

import "io"

// maxBufSize defines the buffer size for formatting numbers.
const maxBufSize = 32

var (
	errMissingArg   = []byte("(MISSING)")
	errWrongArgType = []byte("%!(WRONGTYPE)")
	errNoVerb       = []byte("%!(NOVERB)")
	errExtraArg     = []byte("%!(EXTRA)")
	trueValue       = []byte("true")
	falseValue      = []byte("false")

	// earlyPrintBuffer is a ring buffer that stores Printf output before
	// an output sink is attached.
	earlyPrintBuffer ringBuffer

	// outputSink is a io.Writer where Printf will send its output. If set
	// to nil, then the output will be redirected to the earlyPrintBuffer.
	outputSink io.Writer
)

// SetOutputSink sets the default target for calls to Printf to w and copies
// any data accumulated in the earlyPrintBuffer to it.
func SetOutputSink(w io.Writer) {
	outputSink = w
	if w != nil {
		_, _ = io.Copy(w, &earlyPrintBuffer)
	}
}

// Printf writes formatted output to the active output sink. It supports the
// following subset of the fmt verbs:
//
//	%s the uninterpreted bytes of a string or byte slice
//	%d base 10 integer
//	%o base 8 integer
//	%x base 16 integer, lower-case a-f
//	%t "true" or "false"
//
// An optional decimal width may precede the verb. Strings and base-10
// integers are left-padded with spaces; base-8 and base-16 integers are
// left-padded with zeroes.
func Printf(format string, args ...interface{}) {
	Fprintf(outputSink, format, args...)
}

// Fprintf behaves exactly like Printf but it writes the formatted output to
// the specified io.Writer. A nil writer selects the early ring buffer.
func Fprintf(w io.Writer, format string, args ...interface{}) {
	var (
		numBuf  [maxBufSize]byte
		argIdx  int
		litFrom int
	)

	for i := 0; i < len(format); i++ {
		if format[i] != '%' {
			continue
		}

		if litFrom < i {
			writeString(w, format[litFrom:i])
		}

		// Parse optional width followed by the verb
		width := 0
		i++
		for ; i < len(format) && format[i] >= '0' && format[i] <= '9'; i++ {
			width = width*10 + int(format[i]-'0')
		}
		litFrom = i + 1

		if i >= len(format) {
			doWrite(w, errNoVerb)
			break
		}

		verb := format[i]
		if verb == '%' {
			doWrite(w, []byte{'%'})
			continue
		}

		switch verb {
		case 'd', 'o', 'x', 's', 't':
		default:
			doWrite(w, errNoVerb)
			continue
		}

		if argIdx >= len(args) {
			doWrite(w, errMissingArg)
			continue
		}

		switch verb {
		case 'd':
			fmtInt(w, numBuf[:], args[argIdx], 10, width)
		case 'o':
			fmtInt(w, numBuf[:], args[argIdx], 8, width)
		case 'x':
			fmtInt(w, numBuf[:], args[argIdx], 16, width)
		case 's':
			fmtString(w, args[argIdx], width)
		case 't':
			fmtBool(w, args[argIdx])
		}
		argIdx++
	}

	if litFrom < len(format) {
		writeString(w, format[litFrom:])
	}

	for ; argIdx < len(args); argIdx++ {
		doWrite(w, errExtraArg)
	}
}

func fmtBool(w io.Writer, v interface{}) {
	b, ok := v.(bool)
	switch {
	case !ok:
		doWrite(w, errWrongArgType)
	case b:
		doWrite(w, trueValue)
	default:
		doWrite(w, falseValue)
	}
}

func fmtString(w io.Writer, v interface{}, width int) {
	switch s := v.(type) {
	case string:
		fmtRepeat(w, ' ', width-len(s))
		writeString(w, s)
	case []byte:
		fmtRepeat(w, ' ', width-len(s))
		doWrite(w, s)
	case interface{ String() string }:
		str := s.String()
		fmtRepeat(w, ' ', width-len(str))
		writeString(w, str)
	default:
		doWrite(w, errWrongArgType)
	}
}

func fmtRepeat(w io.Writer, ch byte, count int) {
	pad := [1]byte{ch}
	for ; count > 0; count-- {
		doWrite(w, pad[:])
	}
}

// fmtInt formats v in the requested base into buf and writes it out. All
// built-in integer types are supported.
func fmtInt(w io.Writer, buf []byte, v interface{}, base uint64, width int) {
	var (
		uval uint64
		neg  bool
	)

	switch n := v.(type) {
	case uint8:
		uval = uint64(n)
	case uint16:
		uval = uint64(n)
	case uint32:
		uval = uint64(n)
	case uint64:
		uval = n
	case uint:
		uval = uint64(n)
	case uintptr:
		uval = uint64(n)
	case int8:
		uval, neg = absInt(int64(n))
	case int16:
		uval, neg = absInt(int64(n))
	case int32:
		uval, neg = absInt(int64(n))
	case int64:
		uval, neg = absInt(n)
	case int:
		uval, neg = absInt(int64(n))
	default:
		doWrite(w, errWrongArgType)
		return
	}

	if width >= len(buf) {
		width = len(buf) - 1
	}

	// Digits are emitted right to left
	pos := len(buf)
	for {
		pos--
		digit := uval % base
		if digit < 10 {
			buf[pos] = byte(digit) + '0'
		} else {
			buf[pos] = byte(digit-10) + 'a'
		}

		if uval /= base; uval == 0 {
			break
		}
	}

	padCh := byte('0')
	if base == 10 {
		padCh = ' '
	}

	if neg {
		if padCh == '0' {
			// The sign precedes any zero padding
			for len(buf)-pos < width-1 {
				pos--
				buf[pos] = padCh
			}
			pos--
			buf[pos] = '-'
		} else {
			pos--
			buf[pos] = '-'
		}
	}

	for len(buf)-pos < width {
		pos--
		buf[pos] = padCh
	}

	doWrite(w, buf[pos:])
}

func absInt(v int64) (uint64, bool) {
	if v < 0 {
		return uint64(-v), true
	}
	return uint64(v), false
}

func writeString(w io.Writer, s string) {
	var chunk [64]byte
	for len(s) > 0 {
		n := copy(chunk[:], s)
		doWrite(w, chunk[:n])
		s = s[n:]
	}
}

func doWrite(w io.Writer, p []byte) {
	if w != nil {
		_, _ = w.Write(p)
		return
	}

	_, _ = earlyPrintBuffer.Write(p)
}
