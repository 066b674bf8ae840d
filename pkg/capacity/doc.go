// Package capacity checks that a server has room for a backup or restore and
// grows public volumes through a ResizeVolume agent job when it does not.
package capacity
