package store

import (
	"fmt"
	"math/rand/v2"
	"strings"
)

const ticketAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// GenerateSeat returns a seat like "12A": row 1-30, letter A-F.
func GenerateSeat(r *rand.Rand) string {
	return fmt.Sprintf("%d%c", r.IntN(30)+1, 'A'+rune(r.IntN(6)))
}

// GenerateGate returns a gate like "B7": terminal A-D, number 1-20.
func GenerateGate(r *rand.Rand) string {
	return fmt.Sprintf("%c%d", 'A'+rune(r.IntN(4)), r.IntN(20)+1)
}

// GenerateTicketNumber returns a number like "TK-A1B2C3".
func GenerateTicketNumber(r *rand.Rand) string {
	var b strings.Builder
	b.WriteString("TK-")
	for range 6 {
		b.WriteByte(ticketAlphabet[r.IntN(len(ticketAlphabet))])
	}
	return b.String()
}
