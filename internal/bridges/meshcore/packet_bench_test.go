package meshcore

import "testing"

func BenchmarkDecode_Advert(b *testing.B) {
	for i := 0; i < b.N; i++ {
		Decode(cisienOneHopHex)
	}
}

func BenchmarkDecode_Opaque(b *testing.B) {
	// Direct-routed group text through two hops
	const frame = "1602AABB0102030405060708"
	for i := 0; i < b.N; i++ {
		Decode(frame)
	}
}

func BenchmarkParseAdvert(b *testing.B) {
	pkt, _ := Decode(cisienAdvertHex)
	payload := pkt.Payload
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ParseAdvert(payload)
	}
}
