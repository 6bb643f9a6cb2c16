package bot

import (
	"fmt"
	"math"
	"time"

	"github.com/stupiduntilnot/relaybot/internal/messenger"
	"github.com/stupiduntilnot/relaybot/internal/provider"
)

const (
	greetingFmt       = "Salom, %s! Men chatbot-man, suhbatlashish uchun bo‘limni tanlang"
	selectedFmt       = "%s model orqali javob beriladi!\nSavolingizni yuboring"
	unavailableFmt    = "%s hozircha mavjud emas. Iltimos, boshqa bo‘limni tanlang"
	chooseFirstText   = "Iltimos, avval bo‘limni tanlang"
	waitText          = "⚠️ Iltimos, xabarlar orasida ozgina kutib turing!"
	rateLimitedFmt    = "⚠️ Juda ko‘p so‘rov yubordingiz. Iltimos, %d sekund kutib turing."
	balanceFmt        = "Hisobingizda yetarli mablag‘ yo‘q. Iltimos, %s balansingizni tekshiring."
	upstreamLimitText = "⚠️ So‘rovlar limiti oshib ketdi. Iltimos, biroz kutib turing."
	genericErrorText  = "Xatolik yuz berdi. Qaytadan urinib ko‘ring."
	resetText         = "Suhbat tarixi tozalandi. Savolingizni yuboring"
	helpText          = "Bo‘limni tanlang va savolingizni yozing.\n\n" +
		"/start - bo‘limlar menyusi\n" +
		"/reset - joriy suhbat tarixini tozalash\n" +
		"/help - yordam"
	startupText = "Bot ishga tushdi"
)

// Menu button labels.
const (
	buttonOpenAI   = "🧠 ChatGPT (OpenAI)"
	buttonGemini   = "🔮 Gemini (Google)"
	buttonDeepSeek = "🚀 DeepSeek AI"
)

var buttonFamilies = map[string]provider.Family{
	buttonOpenAI:   provider.OpenAI,
	buttonGemini:   provider.Gemini,
	buttonDeepSeek: provider.DeepSeek,
}

// Commands is the command menu registered at startup.
var Commands = []messenger.Command{
	{Command: "start", Description: "Botni ishga tushirish"},
	{Command: "reset", Description: "Suhbat tarixini tozalash"},
	{Command: "help", Description: "Yordam"},
}

func menuKeyboard() *messenger.Keyboard {
	return &messenger.Keyboard{
		Rows: [][]string{
			{buttonOpenAI, buttonGemini},
			{buttonDeepSeek},
		},
		Resize:  true,
		OneTime: true,
	}
}

func greeting(u *messenger.User) string {
	name := u.FullName()
	if name == "" {
		name = "do‘stim"
	}
	return fmt.Sprintf(greetingFmt, name)
}

func rateLimitedText(retryAfter time.Duration) string {
	secs := int(math.Ceil(retryAfter.Seconds()))
	if secs < 1 {
		secs = 1
	}
	return fmt.Sprintf(rateLimitedFmt, secs)
}

// failureText is the only thing a user sees about a failed completion.
func failureText(err *provider.Error) string {
	switch err.Kind {
	case provider.KindInsufficientBalance:
		return fmt.Sprintf(balanceFmt, err.Family.Title())
	case provider.KindRateLimited:
		return upstreamLimitText
	default:
		return genericErrorText
	}
}
