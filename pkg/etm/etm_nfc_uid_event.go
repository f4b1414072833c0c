package etm

const etm_NFC_UID = "NFC_UID"

// CardDetected reports a card entering the reader field.
type CardDetected struct {
	UID CardUID
}

func (CardDetected) Kind() string { return "card_detected" }

func parseCardDetected(rest string) Event {
	if rest == "" {
		return Unrecognized{Raw: etm_NFC_UID + ArgumentSeparator}
	}
	return CardDetected{UID: CardUID(rest)}
}
