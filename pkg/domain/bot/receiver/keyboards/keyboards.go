package keyboards

import tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

// Keyboard is a named reply keyboard.
type Keyboard struct {
	Name    string
	Buttons tgbotapi.ReplyKeyboardMarkup
}

// Contact asks the user to share their own phone number.
func Contact() Keyboard {
	kb := tgbotapi.NewReplyKeyboard(
		tgbotapi.NewKeyboardButtonRow(tgbotapi.NewKeyboardButtonContact("📱 Поделиться контактом")),
	)
	kb.ResizeKeyboard = true
	kb.OneTimeKeyboard = true
	return Keyboard{Name: "contact", Buttons: kb}
}

func Remove() tgbotapi.ReplyKeyboardRemove {
	return tgbotapi.NewRemoveKeyboard(true)
}

// Button is one inline button with its callback payload.
type Button struct {
	Text string
	Data string
}

// Column lays buttons out one per row.
func Column(buttons ...Button) tgbotapi.InlineKeyboardMarkup {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(buttons))
	for _, b := range buttons {
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData(b.Text, b.Data)))
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...)
}

// Buttons flattens an inline keyboard back into its buttons, row by row.
func Buttons(kb tgbotapi.InlineKeyboardMarkup) []Button {
	var out []Button
	for _, row := range kb.InlineKeyboard {
		for _, b := range row {
			data := ""
			if b.CallbackData != nil {
				data = *b.CallbackData
			}
			out = append(out, Button{Text: b.Text, Data: data})
		}
	}
	return out
}
