package extract

import "strings"

// ufBySigla maps every Brazilian UF sigla to itself; ufByName maps the
// accent-folded full state name to its sigla.
var ufBySigla = map[string]string{
	"AC": "AC", "AL": "AL", "AP": "AP", "AM": "AM", "BA": "BA", "CE": "CE",
	"DF": "DF", "ES": "ES", "GO": "GO", "MA": "MA", "MT": "MT", "MS": "MS",
	"MG": "MG", "PA": "PA", "PB": "PB", "PR": "PR", "PE": "PE", "PI": "PI",
	"RJ": "RJ", "RN": "RN", "RS": "RS", "RO": "RO", "RR": "RR", "SC": "SC",
	"SP": "SP", "SE": "SE", "TO": "TO",
}

var ufByName = map[string]string{
	"ACRE": "AC", "ALAGOAS": "AL", "AMAPA": "AP", "AMAZONAS": "AM",
	"BAHIA": "BA", "CEARA": "CE", "DISTRITO FEDERAL": "DF", "ESPIRITO SANTO": "ES",
	"GOIAS": "GO", "MARANHAO": "MA", "MATO GROSSO": "MT", "MATO GROSSO DO SUL": "MS",
	"MINAS GERAIS": "MG", "PARA": "PA", "PARAIBA": "PB", "PARANA": "PR",
	"PERNAMBUCO": "PE", "PIAUI": "PI", "RIO DE JANEIRO": "RJ", "RIO GRANDE DO NORTE": "RN",
	"RIO GRANDE DO SUL": "RS", "RONDONIA": "RO", "RORAIMA": "RR", "SANTA CATARINA": "SC",
	"SAO PAULO": "SP", "SERGIPE": "SE", "TOCANTINS": "TO",
}

// standardSynonyms maps each official construction standard to the
// accent-folded vocabulary that selects it.
var standardSynonyms = map[string][]string{
	"MINIMO": {"MINIMO", "SIMPLES", "ECONOMICO", "POPULAR", "BAIXO"},
	"BASICO": {"BASICO", "INTERMEDIARIO", "MEDIO", "NORMAL"},
	"ALTO":   {"ALTO", "LUXO", "SUPERIOR", "ALTO PADRAO", "FINO"},
}

// residentialTypes maps accent-folded vocabulary to the internal residential
// subtype identifiers the pricing backend understands.
var residentialTypes = map[string]string{
	"CASA":         "RESIDENCIAL_CASA",
	"CASAS":        "RESIDENCIAL_CASA",
	"CASA POPULAR": "RESIDENCIAL_CASA",
	"MORADIA":      "RESIDENCIAL_CASA",
	"MORADIAS":     "RESIDENCIAL_CASA",
	"RESIDENCIA":   "RESIDENCIAL_CASA",
	"RESIDENCIAS":  "RESIDENCIAL_CASA",
	"APARTAMENTO":  "RESIDENCIAL_APARTAMENTO",
	"APARTAMENTOS": "RESIDENCIAL_APARTAMENTO",
	"APTO":         "RESIDENCIAL_APARTAMENTO",
	"APTOS":        "RESIDENCIAL_APARTAMENTO",
	"SOBRADO":      "RESIDENCIAL_SOBRADO",
	"SOBRADOS":     "RESIDENCIAL_SOBRADO",
	"KITNET":       "RESIDENCIAL_KITNET",
	"KITNETS":      "RESIDENCIAL_KITNET",
	"KITINETE":     "RESIDENCIAL_KITNET",
	"STUDIO":       "RESIDENCIAL_KITNET",
}

// SupportedTypes are the user-facing names of the residential subtypes the
// system can budget, in display order.
var SupportedTypes = []string{"Casa", "Apartamento", "Sobrado", "Kitnet"}

// unsupportedTypes maps accent-folded vocabulary for construction categories
// outside the residential catalog to the category name reported to the user.
var unsupportedTypes = map[string]string{
	"GALPAO":      "INDUSTRIAL",
	"GALPOES":     "INDUSTRIAL",
	"FABRICA":     "INDUSTRIAL",
	"FABRICAS":    "INDUSTRIAL",
	"INDUSTRIA":   "INDUSTRIAL",
	"INDUSTRIAL":  "INDUSTRIAL",
	"ARMAZEM":     "INDUSTRIAL",
	"ARMAZENS":    "INDUSTRIAL",
	"LOJA":        "COMERCIAL",
	"LOJAS":       "COMERCIAL",
	"COMERCIO":    "COMERCIAL",
	"COMERCIAL":   "COMERCIAL",
	"ESCRITORIO":  "COMERCIAL",
	"ESCRITORIOS": "COMERCIAL",
	"SHOPPING":    "COMERCIAL",
	"HOTEL":       "COMERCIAL",
	"POUSADA":     "COMERCIAL",
	"MERCADO":     "COMERCIAL",
}

// monthsByName maps accent-folded Portuguese month names and abbreviations to
// month numbers.
var monthsByName = map[string]int{
	"JANEIRO": 1, "JAN": 1,
	"FEVEREIRO": 2, "FEV": 2,
	"MARCO": 3, "MAR": 3,
	"ABRIL": 4, "ABR": 4,
	"MAIO": 5, "MAI": 5,
	"JUNHO": 6, "JUN": 6,
	"JULHO": 7, "JUL": 7,
	"AGOSTO": 8, "AGO": 8,
	"SETEMBRO": 9, "SET": 9,
	"OUTUBRO": 10, "OUT": 10,
	"NOVEMBRO": 11, "NOV": 11,
	"DEZEMBRO": 12, "DEZ": 12,
}

// accentFolder strips the accents that occur in Brazilian Portuguese field
// vocabulary.
var accentFolder = strings.NewReplacer(
	"á", "a", "à", "a", "â", "a", "ã", "a", "ä", "a",
	"é", "e", "ê", "e", "è", "e",
	"í", "i", "î", "i",
	"ó", "o", "ô", "o", "õ", "o", "ö", "o",
	"ú", "u", "û", "u", "ü", "u",
	"ç", "c",
	"Á", "A", "À", "A", "Â", "A", "Ã", "A", "Ä", "A",
	"É", "E", "Ê", "E", "È", "E",
	"Í", "I", "Î", "I",
	"Ó", "O", "Ô", "O", "Õ", "O", "Ö", "O",
	"Ú", "U", "Û", "U", "Ü", "U",
	"Ç", "C",
)

// fold strips accents and upper-cases, the canonical form all vocabulary
// tables are keyed by.
func fold(s string) string {
	return strings.ToUpper(accentFolder.Replace(strings.TrimSpace(s)))
}
