package scanning

import (
	"fmt"
	"strings"
)

// Suspense accounts used when no real account can be determined.
const (
	SuspensePayable    = "仮払金" // unexplained outflows
	SuspenseReceivable = "仮受金" // unexplained inflows
)

// categoryRule is one line of the auto-guess taxonomy given to the model
type categoryRule struct {
	Kamoku   string
	Type     string
	Keywords []string
	Note     string
}

var categoryRules = []categoryRule{
	{Kamoku: "旅費交通費", Type: TypeExpense, Keywords: []string{"JR", "電車", "地下鉄", "バス", "タクシー", "Suica", "PASMO", "ETC", "高速", "航空", "駐車場"}},
	{Kamoku: "通信費", Type: TypeExpense, Keywords: []string{"NTT", "docomo", "au", "SoftBank", "楽天モバイル", "郵便", "切手", "レターパック", "プロバイダ"}},
	{Kamoku: "水道光熱費", Type: TypeExpense, Keywords: []string{"電力", "電気", "ガス", "水道"}},
	{Kamoku: "会議費", Type: TypeExpense, Keywords: []string{"カフェ", "コーヒー", "スターバックス", "ドトール", "喫茶"}, Note: "food and drink of 10,000 yen or less"},
	{Kamoku: "接待交際費", Type: TypeExpense, Keywords: []string{"居酒屋", "レストラン", "料亭", "贈答", "お歳暮", "お中元"}, Note: "food and drink over 10,000 yen"},
	{Kamoku: "消耗品費", Type: TypeExpense, Keywords: []string{"Amazon", "アスクル", "ヨドバシ", "ビックカメラ", "ホームセンター", "文具", "100円ショップ", "コンビニ"}, Note: "items under 100,000 yen"},
	{Kamoku: "工具器具備品", Type: TypeExpense, Note: "a single item of 100,000 yen or more"},
	{Kamoku: "新聞図書費", Type: TypeExpense, Keywords: []string{"書店", "書籍", "新聞", "Kindle", "雑誌"}},
	{Kamoku: "支払手数料", Type: TypeExpense, Keywords: []string{"手数料", "振込手数料", "ATM"}},
	{Kamoku: "租税公課", Type: TypeExpense, Keywords: []string{"印紙", "税", "市役所", "税務署"}},
	{Kamoku: "地代家賃", Type: TypeExpense, Keywords: []string{"家賃", "賃料", "管理費"}},
	{Kamoku: "売上高", Type: TypeIncome, Keywords: []string{"売上", "入金", "振込入金"}, Note: "payments received from customers"},
	{Kamoku: "受取利息", Type: TypeIncome, Keywords: []string{"利息", "利子"}},
}

const basePrompt = `You are reading a scanned Japanese financial document (a receipt, a bank-book page, or a credit-card statement).
Extract every transaction shown in the image.

Return ONLY a JSON array. Each element must have exactly these fields:
- "date": transaction date as "YYYY/MM/DD" (convert Japanese eras such as 令和6年 to the western year)
- "description": merchant, payee or counterparty as printed
- "amount": the amount as a positive number with no currency symbol or thousands separators
- "type": "expense" for money paid out or withdrawn, "income" for money received or deposited
- "kamoku": account title (see below)
- "subKamoku": sub-account, usually ""
- "invoiceNumber": "qualified" when the receipt carries a registration number starting with T followed by 13 digits, otherwise "unqualified"
- "taxCategory": one of "課税10%", "課税8%（軽減）", "非課税", "対象外"

Rules:
- Skip balance lines, totals carried forward and subtotals; output only real transactions.
- If the document has no transactions, return [].
- Do not add commentary before or after the array.
`

// BuildPrompt returns the extraction instruction for the model
func BuildPrompt(autoGuess bool) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\nAccount titles:\n")
	if !autoGuess {
		b.WriteString(`- Do NOT guess accounts. "kamoku" and "subKamoku" must always be "".` + "\n")
		return b.String()
	}

	b.WriteString("Choose \"kamoku\" with the first matching rule below.\n")
	for _, r := range categoryRules {
		line := fmt.Sprintf("- %s (%s)", r.Kamoku, r.Type)
		if len(r.Keywords) > 0 {
			line += ": " + strings.Join(r.Keywords, ", ")
		}
		if r.Note != "" {
			line += "; " + r.Note
		}
		b.WriteString(line + "\n")
	}
	fmt.Fprintf(&b, "- When no rule matches, use %q for expenses and %q for income.\n", SuspensePayable, SuspenseReceivable)
	return b.String()
}
