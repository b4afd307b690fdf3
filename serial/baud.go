package serial

import "golang.org/x/sys/unix"

// DefaultBaudRate is used when Config.BaudRate is zero.
const DefaultBaudRate = 115200

// baudRates maps standard baud rates to their termios CBAUD values.
var baudRates = map[int]uint32{
	1200:   unix.B1200,
	2400:   unix.B2400,
	4800:   unix.B4800,
	9600:   unix.B9600,
	19200:  unix.B19200,
	38400:  unix.B38400,
	57600:  unix.B57600,
	115200: unix.B115200,
	230400: unix.B230400,
	460800: unix.B460800,
	921600: unix.B921600,
}

// SupportedBaudRate reports whether rate is one of the standard baud
// rates this package can configure.
func SupportedBaudRate(rate int) bool {
	_, ok := baudRates[rate]
	return ok
}
