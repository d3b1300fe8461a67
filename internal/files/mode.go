package files

import "os"

// lsMode renders mode the way `ls -l` prints it, e.g. "drwxr-xr-x".
func lsMode(mode os.FileMode) string {
	b := []byte("----------")
	switch {
	case mode&os.ModeDir != 0:
		b[0] = 'd'
	case mode&os.ModeSymlink != 0:
		b[0] = 'l'
	case mode&os.ModeNamedPipe != 0:
		b[0] = 'p'
	case mode&os.ModeSocket != 0:
		b[0] = 's'
	case mode&os.ModeCharDevice != 0:
		b[0] = 'c'
	case mode&os.ModeDevice != 0:
		b[0] = 'b'
	}

	const rwx = "rwxrwxrwx"
	perm := mode.Perm()
	for i := 0; i < 9; i++ {
		if perm&(1<<uint(8-i)) != 0 {
			b[i+1] = rwx[i]
		}
	}

	special := func(idx int, set bool, upper, lower byte) {
		if !set {
			return
		}
		if b[idx] == '-' {
			b[idx] = upper
		} else {
			b[idx] = lower
		}
	}
	special(3, mode&os.ModeSetuid != 0, 'S', 's')
	special(6, mode&os.ModeSetgid != 0, 'S', 's')
	special(9, mode&os.ModeSticky != 0, 'T', 't')
	return string(b)
}
