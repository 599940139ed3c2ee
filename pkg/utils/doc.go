// Package utils holds small helpers shared by credence packages: worker
// defaults, panic recovery and vector math.
package utils
