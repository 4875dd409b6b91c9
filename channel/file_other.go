//go:build !linux

package channel

const directFlag = 0
