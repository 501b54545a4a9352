package intent

import "github.com/abparts/troubleshoot/internal/storage/models"

// DefaultLanguage is used for any language without its own vocabulary.
const DefaultLanguage = "en"

// CategoryGeneral is returned when no category keyword matches.
const CategoryGeneral = "general"

// vocabulary holds accent-free phrases for one language. Categories are
// checked in categoryOrder. negation lists single words that turn a
// following success phrase into a rejection; postNegation lists the ones
// that follow it.
type vocabulary struct {
	problem      []string
	hazard       []string
	feedback     map[models.Feedback][]string
	negation     []string
	postNegation []string
	categories   map[string][]string
}

var categoryOrder = []string{"hydraulics", "electrical", "engine", "mechanical", "controls"}

// negationWindow is how many words before a success phrase are searched for
// a negation.
const negationWindow = 3

var vocabularies = map[string]vocabulary{
	"en": {
		problem: []string{
			"problem", "issue", "error", "fault", "broken", "not working", "doesn't work", "won't start",
			"can't", "cannot", "stopped", "stops", "leak", "leaking", "noise", "alarm", "failure", "failed",
			"fails", "overheating", "stuck", "jammed", "malfunction", "warning light", "won't", "keeps",
			"smoke", "vibration", "trouble", "dead",
		},
		hazard: []string{
			"fire", "smoke", "burning", "sparks", "shock", "electrocuted", "injury", "injured", "explosion",
			"gas leak", "fuel leak", "flames",
		},
		feedback: map[models.Feedback][]string{
			models.FeedbackDidntWork: {
				"didn't work", "didnt work", "did not work", "doesn't work", "doesnt work", "does not work", "not working", "no luck",
				"no change", "still not", "still broken", "still the same", "didn't help", "did not help",
				"nothing changed", "same problem",
			},
			models.FeedbackPartiallyWorked: {
				"partially", "partly", "somewhat", "a bit better", "a little better", "slightly better",
				"helped a little", "better but", "improved but",
			},
			models.FeedbackWorked: {
				"it worked", "that worked", "worked", "fixed", "resolved", "solved", "works now",
				"working now", "problem gone", "all good",
			},
		},
		negation: []string{
			"not", "n't", "never", "no", "nothing", "hasnt", "havent", "hadnt", "isnt", "wasnt", "arent",
			"werent", "dont", "doesnt", "didnt", "wont", "cant", "couldnt", "neither", "nor", "barely",
		},
		categories: map[string][]string{
			"hydraulics": {"hydraulic", "hydraulics", "oil", "pressure", "pump", "hose", "cylinder", "leak", "leaking"},
			"electrical": {"electrical", "power", "battery", "fuse", "wire", "wiring", "voltage", "breaker", "won't turn on"},
			"engine":     {"engine", "starter", "fuel", "overheating", "exhaust", "won't start", "stalls", "idle"},
			"mechanical": {"noise", "vibration", "belt", "bearing", "stuck", "jammed", "grinding", "gear", "chain"},
			"controls":   {"display", "screen", "error code", "controller", "sensor", "software", "alarm", "panel"},
		},
	},
	"es": {
		problem: []string{
			"problema", "error", "falla", "fallo", "averia", "roto", "no funciona", "no arranca", "no enciende",
			"se detuvo", "fuga", "ruido", "alarma", "sobrecalentamiento", "atascado", "bloqueado",
		},
		hazard: []string{"fuego", "humo", "chispas", "descarga", "herido", "explosion", "incendio", "quemado"},
		feedback: map[models.Feedback][]string{
			models.FeedbackDidntWork: {
				"no funciono", "no sirvio", "sigue igual", "sigue sin funcionar", "no ayudo", "mismo problema",
			},
			models.FeedbackPartiallyWorked: {"parcialmente", "un poco mejor", "algo mejor", "mejoro pero"},
			models.FeedbackWorked:          {"funciono", "arreglado", "resuelto", "solucionado", "ya funciona"},
		},
		negation: []string{"no", "nunca", "tampoco", "ni", "sin", "nada", "jamas"},
		categories: map[string][]string{
			"hydraulics": {"hidraulico", "hidraulica", "aceite", "presion", "bomba", "manguera", "fuga"},
			"electrical": {"electrico", "electrica", "bateria", "fusible", "cable", "voltaje", "no enciende"},
			"engine":     {"motor", "combustible", "sobrecalentamiento", "escape", "no arranca"},
			"mechanical": {"ruido", "vibracion", "correa", "rodamiento", "atascado", "engranaje"},
			"controls":   {"pantalla", "codigo de error", "controlador", "sensor", "alarma", "panel"},
		},
	},
	"el": {
		problem: []string{
			"προβλημα", "σφαλμα", "βλαβη", "χαλασε", "δεν λειτουργει", "δεν δουλευει", "δεν ξεκιναει",
			"διαρροη", "θορυβος", "συναγερμος", "υπερθερμανση", "κολλησε",
		},
		hazard: []string{"φωτια", "καπνος", "σπινθηρες", "ηλεκτροπληξια", "τραυματισμος", "εκρηξη"},
		feedback: map[models.Feedback][]string{
			models.FeedbackDidntWork:       {"δεν δουλεψε", "δεν λειτουργησε", "τιποτα", "ιδιο προβλημα", "δεν βοηθησε"},
			models.FeedbackPartiallyWorked: {"μερικως", "λιγο καλυτερα", "καπως"},
			models.FeedbackWorked:          {"δουλεψε", "λειτουργησε", "διορθωθηκε", "λυθηκε", "φτιαχτηκε"},
		},
		negation: []string{"δεν", "μην", "ποτε", "ουτε", "οχι", "χωρις"},
		categories: map[string][]string{
			"hydraulics": {"υδραυλικο", "λαδι", "πιεση", "αντλια", "σωληνα", "διαρροη"},
			"electrical": {"ηλεκτρικο", "ρευμα", "μπαταρια", "ασφαλεια", "καλωδιο", "ταση"},
			"engine":     {"κινητηρας", "μηχανη", "καυσιμο", "υπερθερμανση", "δεν ξεκιναει"},
			"mechanical": {"θορυβος", "κραδασμος", "ιμαντας", "ρουλεμαν", "κολλησε"},
			"controls":   {"οθονη", "κωδικος σφαλματος", "αισθητηρας", "συναγερμος", "πινακας"},
		},
	},
	"tr": {
		problem: []string{
			"sorun", "problem", "hata", "ariza", "bozuk", "calismiyor", "baslamiyor", "sizinti",
			"ses", "alarm", "asiri isinma", "takildi", "durdu",
		},
		hazard: []string{"yangin", "duman", "kivilcim", "elektrik carpmasi", "yaralanma", "patlama"},
		feedback: map[models.Feedback][]string{
			models.FeedbackDidntWork:       {"ise yaramadi", "calismadi", "hala ayni", "degisen bir sey yok", "yardimci olmadi"},
			models.FeedbackPartiallyWorked: {"kismen", "biraz daha iyi", "biraz duzeldi"},
			models.FeedbackWorked:          {"ise yaradi", "calisti", "duzeldi", "cozuldu", "tamam oldu"},
		},
		negation:     []string{"hic", "asla", "hicbir"},
		postNegation: []string{"degil", "degildi"},
		categories: map[string][]string{
			"hydraulics": {"hidrolik", "yag", "basinc", "pompa", "hortum", "sizinti"},
			"electrical": {"elektrik", "aku", "sigorta", "kablo", "voltaj"},
			"engine":     {"motor", "yakit", "asiri isinma", "egzoz", "baslamiyor"},
			"mechanical": {"ses", "titresim", "kayis", "rulman", "takildi", "disli"},
			"controls":   {"ekran", "hata kodu", "kontrolcu", "sensor", "alarm", "panel"},
		},
	},
}
