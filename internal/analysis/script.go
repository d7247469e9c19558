package analysis

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/danshapiro/statflow/internal/dataset"
)

// buildScript renders the engine script for a plan. The output depends only on
// the plan, so identical requests produce identical scripts and digests.
func buildScript(pl *plan) string {
	var b strings.Builder
	fmt.Fprintf(&b, "vars <- %s\n", rVector(pl.variables))
	switch pl.procedure {
	case Descriptive:
		b.WriteString(`x <- df[, vars, drop = FALSE]
list(
  n = nrow(x),
  variables = vars,
  mean = unname(sapply(x, mean, na.rm = TRUE)),
  sd = unname(sapply(x, sd, na.rm = TRUE)),
  min = unname(sapply(x, min, na.rm = TRUE)),
  max = unname(sapply(x, max, na.rm = TRUE)),
  missing = unname(sapply(x, function(v) sum(is.na(v))))
)
`)
	case Correlation:
		fmt.Fprintf(&b, "method <- %s\n", rString(pl.method))
		b.WriteString(`x <- df[, vars, drop = FALSE]
r <- cor(x, use = "pairwise.complete.obs", method = method)
p <- matrix(0, ncol(x), ncol(x))
for (i in seq_len(ncol(x))) for (j in seq_len(ncol(x))) if (i != j) {
  p[i, j] <- suppressWarnings(cor.test(x[[i]], x[[j]], method = method)$p.value)
}
list(
  n = nrow(na.omit(x)),
  method = method,
  variables = vars,
  r = lapply(seq_len(nrow(r)), function(i) unname(r[i, ])),
  p = lapply(seq_len(nrow(p)), function(i) unname(p[i, ]))
)
`)
	case Reliability:
		b.WriteString(`x <- df[, vars, drop = FALSE]
a <- psych::alpha(x, check.keys = FALSE, warnings = FALSE)
list(
  n = nrow(na.omit(x)),
  alpha = unname(a$total$raw_alpha),
  items = lapply(seq_along(vars), function(i) list(
    name = vars[i],
    correctedItemTotal = unname(a$item.stats$r.drop[i]),
    alphaIfDeleted = unname(a$alpha.drop$raw_alpha[i]),
    mean = unname(a$item.stats$mean[i]),
    sd = unname(a$item.stats$sd[i])
  ))
)
`)
	case EFA:
		fmt.Fprintf(&b, "rotation <- %s\n", rString(pl.rotation))
		if pl.nFactors > 0 {
			fmt.Fprintf(&b, "nf <- %d\n", pl.nFactors)
		} else {
			b.WriteString("nf <- max(1, sum(eigen(cor(na.omit(df[, vars, drop = FALSE])))$values > 1))\n")
		}
		b.WriteString(`x <- na.omit(df[, vars, drop = FALSE])
k <- psych::KMO(x)
bt <- psych::cortest.bartlett(cor(x), n = nrow(x))
f <- psych::fa(x, nfactors = nf, rotate = rotation, fm = "pa")
L <- unclass(f$loadings)
list(
  n = nrow(x),
  kmo = unname(k$MSA),
  bartlettChiSq = unname(bt$chisq),
  bartlettDF = unname(bt$df),
  bartlettP = unname(bt$p.value),
  nFactors = nf,
  rotation = rotation,
  variables = vars,
  factors = colnames(L),
  loadings = lapply(seq_len(nrow(L)), function(i) unname(L[i, ])),
  communalities = unname(f$communality),
  eigenvalues = unname(eigen(cor(x))$values),
  varianceExplained = unname(f$Vaccounted["Proportion Var", ])
)
`)
	case CFA, SEM:
		fmt.Fprintf(&b, "model <- %s\n", rString(lavaanModel(pl)))
		fn := "cfa"
		if pl.procedure == SEM {
			fn = "sem"
		}
		fmt.Fprintf(&b, "fit <- lavaan::%s(model, data = df, missing = \"listwise\")\n", fn)
		b.WriteString(`m <- lavaan::fitMeasures(fit, c("cfi", "tli", "rmsea", "srmr", "chisq", "df", "pvalue"))
pe <- lavaan::parameterEstimates(fit, standardized = TRUE)
r2 <- lavaan::inspect(fit, "r2")
list(
  n = lavaan::nobs(fit),
  fit = as.list(m),
  parameters = lapply(seq_len(nrow(pe)), function(i) list(
    lhs = pe$lhs[i], op = pe$op[i], rhs = pe$rhs[i],
    est = pe$est[i], stdAll = pe$std.all[i], se = pe$se[i],
    z = pe$z[i], p = pe$pvalue[i]
  )),
  r2 = as.list(r2)
)
`)
	case Regression:
		fmt.Fprintf(&b, "dependent <- %s\n", rString(pl.dependent))
		fmt.Fprintf(&b, "fit <- lm(%s, data = df)\n", regressionFormula(pl.dependent, pl.variables))
		b.WriteString(`s <- summary(fit)
cf <- s$coefficients
z <- scale(df[, c(dependent, vars), drop = FALSE])
sfit <- lm(z[, 1] ~ z[, -1, drop = FALSE])
list(
  n = nobs(fit),
  dependent = dependent,
  r2 = s$r.squared,
  adjR2 = s$adj.r.squared,
  f = unname(s$fstatistic[1]),
  fP = unname(pf(s$fstatistic[1], s$fstatistic[2], s$fstatistic[3], lower.tail = FALSE)),
  coefficients = lapply(seq_len(nrow(cf)), function(i) list(
    term = rownames(cf)[i],
    estimate = cf[i, 1], se = cf[i, 2], t = cf[i, 3], p = cf[i, 4],
    std = if (i == 1) 0 else unname(coef(sfit)[i])
  ))
)
`)
	}
	return b.String()
}

// lavaanModel writes the measurement model followed by structural paths, one
// relation per line in input order.
func lavaanModel(pl *plan) string {
	var lines []string
	for _, f := range pl.factors {
		lines = append(lines, fmt.Sprintf("%s =~ %s", f.Name, strings.Join(f.Indicators, " + ")))
	}
	for _, p := range pl.paths {
		lines = append(lines, fmt.Sprintf("%s ~ %s", p.Outcome, strings.Join(p.Predictors, " + ")))
	}
	return strings.Join(lines, "\n")
}

func regressionFormula(dep string, preds []string) string {
	terms := make([]string, len(preds))
	for i, p := range preds {
		terms[i] = rName(p)
	}
	return rName(dep) + " ~ " + strings.Join(terms, " + ")
}

// buildData encodes the plan's columns in plan order.
func buildData(pl *plan, ds *dataset.Dataset) (json.RawMessage, error) {
	sub, err := ds.Select(pl.columns)
	if err != nil {
		return nil, err
	}
	return json.Marshal(sub)
}

func rString(s string) string { return strconv.Quote(s) }

func rName(s string) string {
	return "`" + strings.ReplaceAll(s, "`", "\\`") + "`"
}

func rVector(items []string) string {
	quoted := make([]string, len(items))
	for i, s := range items {
		quoted[i] = rString(s)
	}
	return "c(" + strings.Join(quoted, ", ") + ")"
}
